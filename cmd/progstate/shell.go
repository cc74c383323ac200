package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/progview/progstate/assemble"
	"github.com/progview/progstate/core"
)

// runShell starts an interactive symbol-lookup loop against an already
// bootstrapped Program. Commands:
//
//	<name>        look up name's relocated address
//	warnings      list warnings accumulated during bootstrap
//	overview      print the target summary
//	quit          exit
func runShell(p *assemble.Program) error {
	rl, err := readline.New("progstate> ")
	if err != nil {
		return fmt.Errorf("starting shell: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == io.EOF || err == readline.ErrInterrupt {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch line {
		case "quit", "exit":
			return nil
		case "overview":
			printOverview(p)
			continue
		case "warnings":
			for _, w := range p.Warnings() {
				fmt.Println(w)
			}
			continue
		}

		sym, err := p.Syms.Lookup(line)
		if err != nil {
			if core.Is(err, core.Lookup) {
				fmt.Printf("not found: %s\n", line)
				continue
			}
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Printf("%s\t%s\n", sym.Name, sym.Address)
	}
}
