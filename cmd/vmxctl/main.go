// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Binary vmxctl inspects the VMX support of the host and runs guests on the
// simulated machine.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/runsc/flag"
	"gvisor.dev/vmx/pkg/vmx/config"
)

var configFile = flag.String("config", "", "path to a TOML or YAML (.yaml, .yml) configuration file; flags set on the command line override it.")

func main() {
	forEachCmd(subcommands.Register)
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	var (
		conf *config.Config
		err  error
	)
	if *configFile != "" {
		conf, err = config.Load(flag.CommandLine, *configFile)
	} else {
		conf, err = config.NewFromFlags(flag.CommandLine)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmxctl: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}

	log.SetTarget(logTarget(os.Stderr))
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	status := subcommands.Execute(ctx, conf)
	cancel()
	os.Exit(int(status))
}

// logTarget returns the glog-style emitter writing to w.
func logTarget(w io.Writer) log.Emitter {
	return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}
}

// forEachCmd invokes the passed callback for each command supported by
// vmxctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(Probe), "")
	cb(new(Caps), "")
	cb(new(Run), "")
}

// Errorf logs an error to the debug log and to stderr, and returns
// subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, "vmxctl: "+format+"\n", args...)
	return subcommands.ExitFailure
}
