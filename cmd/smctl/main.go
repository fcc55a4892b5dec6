// Copyright 2019 The gVisor Authors.
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

// smctl is an operator CLI for exercising a lattice secure monitor
// against simulated hardware: it boots a monitor from a board
// configuration file, then creates, launches, pauses, resumes, and
// destroys enclaves against it one subcommand at a time.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func registerCommands() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&bootCommand{}, "")
	subcommands.Register(&createCommand{}, "")
	subcommands.Register(&launchCommand{}, "")
	subcommands.Register(&pauseCommand{}, "")
	subcommands.Register(&resumeCommand{}, "")
	subcommands.Register(&destroyCommand{}, "")
	subcommands.Register(&inspectCommand{}, "")
}

func main() {
	registerCommands()
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
