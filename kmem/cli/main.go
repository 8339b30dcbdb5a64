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

// Package cli is the main entrypoint for kmem.
package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"kcore.dev/kcore/kmem/cmd"
	"kcore.dev/kcore/kmem/cmd/util"
	"kcore.dev/kcore/kmem/config"
	"kcore.dev/kcore/pkg/context"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/metric"
)

// versionFlagName is the name of a flag that triggers printing the version.
const versionFlagName = "version"

// version is set at link time with -X.
var version = "dev"

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)
	showVersion := flag.Bool(versionFlagName, false, "show version and exit.")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "kmem version %s\n", version)
		os.Exit(0)
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf(err.Error())
	}

	subcommand := flag.CommandLine.Arg(0)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	// Logs are discarded unless a log file is given. Errors still reach
	// stderr through util.Errorf.
	var logFile io.Writer = io.Discard
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{
			Command: subcommand,
			Time:    time.Now(),
		})
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		logFile = f
		if conf.LogFormat == "json" {
			util.ErrorLogger = f
		}
	}
	emitter, err := newEmitter(conf.LogFormat, logFile)
	if err != nil {
		util.Fatalf("%v", err)
	}
	log.SetTarget(emitter)
	if err := log.CopyStandardLogTo(log.Info); err != nil {
		util.Fatalf("%v", err)
	}

	const delimString = `**************** kmem ****************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %d CPUs, %s, PID %d", version, runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Every metric is registered from package init functions.
	if err := metric.Initialize(); err != nil {
		util.Fatalf("initializing metrics: %v", err)
	}

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		os.Exit(0)
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by kmem.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Mkimage), "")
	cb(new(cmd.Read), "")
	cb(new(cmd.Write), "")

	const debugGroup = "debug"
	cb(new(cmd.Stats), debugGroup)
	cb(new(cmd.Stress), debugGroup)
}

func newEmitter(format string, logFile io.Writer) (log.Emitter, error) {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}, nil
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
}
