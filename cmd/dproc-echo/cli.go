package main

import "flag"

// Options holds CLI options for the echo demo.
type Options struct {
	ConfigPath string
	Message    string
	Count      int
	Codec      string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("dproc-echo", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Message, "message", "ping", "Message to echo")
	fs.IntVar(&opts.Count, "count", 3, "Number of messages to send")
	fs.StringVar(&opts.Codec, "codec", "json", "Payload codec: json or cbor")
	_ = fs.Parse(args)
	return opts
}
