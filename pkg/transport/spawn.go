package transport

type spawnResult struct {
	addr EndPointAddress
	err  error
}

// Spawn creates exactly one endpoint on t, runs handler with exclusive
// logical ownership of it on a dedicated goroutine, and returns the
// endpoint's address. The caller blocks only until the address is published;
// the handler keeps executing independently afterwards. If NewEndPoint fails,
// the error is returned to the caller and no handler runs.
func Spawn(t Transport, handler func(EndPoint)) (EndPointAddress, error) {
	ready := make(chan spawnResult, 1)
	go func() {
		ep, err := t.NewEndPoint()
		if err != nil {
			ready <- spawnResult{err: err}
			return
		}
		ready <- spawnResult{addr: ep.Addr()}
		handler(ep)
	}()
	r := <-ready
	return r.addr, r.err
}
