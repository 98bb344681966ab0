/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Command sdpcheck validates an SDP offer the way the calling core does,
// optionally hardening it, capping the audio bitrate and converting it for
// trickle ICE. It reports the candidate count and trickle capability.
//
// Usage:
//
//	sdpcheck [-harden] [-trickle] [-cap 16000] [-json] [file]
//
// The SDP is read from stdin when no file is given. The exit status is 1
// when validation issues were found.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tejzpr/verto-go-sdk/vertosdk"
)

func main() {
	var opts options
	flag.BoolVar(&opts.harden, "harden", false, "apply worst-case network hardening")
	flag.BoolVar(&opts.trickle, "trickle", false, "strip candidates and advertise trickle ICE")
	flag.IntVar(&opts.bitrateCap, "cap", 0, "cap the audio bitrate (bits per second)")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	flag.Parse()

	log := vertosdk.ComponentLogger(vertosdk.NewLogger("info", "text"), "sdpcheck")

	in := io.Reader(os.Stdin)
	if path := flag.Arg(0); path != "" {
		f, err := os.Open(path)
		if err != nil {
			log.WithError(err).Fatal("Failed to open SDP file")
		}
		defer f.Close()
		in = f
	}
	raw, err := io.ReadAll(in)
	if err != nil {
		log.WithError(err).Fatal("Failed to read SDP")
	}

	r := check(string(raw), opts)
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			log.WithError(err).Fatal("Failed to encode report")
		}
	} else {
		fmt.Printf("candidates: %d\n", r.Candidates)
		fmt.Printf("trickle:    %v\n", r.Trickle)
		if opts.harden {
			fmt.Printf("hardened:   %v\n", r.Hardened)
		}
		for _, issue := range r.Issues {
			fmt.Printf("issue:      %s\n", issue)
		}
		fmt.Println()
		fmt.Print(r.SDP)
	}

	if len(r.Issues) > 0 {
		os.Exit(1)
	}
}
