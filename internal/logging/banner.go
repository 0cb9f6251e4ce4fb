package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	cyan    = "\033[36m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	magenta = "\033[35m"
	dim     = "\033[2m"
)

// Logo lines — base ATM ASCII art.
var logoLines = [5]string{
	`    _  _____ __  __ `,
	`   / \|_   _|  \/  |`,
	`  / _ \ | | | |\/| |`,
	` / ___ \| | | |  | |`,
	`/_/   \_\_| |_|  |_|`,
}

var proxyArt = [5]string{
	` _ __  _ __ _____  ___   _`,
	`| '_ \| '__/ _ \ \/ / | | |`,
	`| |_) | | | (_) >  <| |_| |`,
	`| .__/|_|  \___/_/\_\\__, |`,
	`|_|                  |___/ `,
}

var daemonArt = [5]string{
	`     _                               `,
	`  __| | __ _  ___ _ __ ___   ___  _ __`,
	` / _` + "`" + ` |/ _` + "`" + ` |/ _ \ '_ ` + "`" + ` _ \ / _ \| '_ \`,
	`| (_| | (_| |  __/ | | | | | (_) | | | |`,
	` \__,_|\__,_|\___|_| |_| |_|\___/|_| |_|`,
}

var cliArt = [5]string{
	`      _ _ `,
	`  ___| (_)`,
	` / __| | |`,
	`| (__| | |`,
	` \___|_|_|`,
}

// PrintBanner prints the ATM ASCII art logo with mode-specific art appended
// on the right, followed by a version and ATM_HOME info line. Colors are
// used only when stderr is a TTY.
func PrintBanner(mode, ver, atmHome string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var modeArt *[5]string
	var modeColor string
	switch mode {
	case "daemon":
		modeArt = &daemonArt
		modeColor = green
	case "proxy":
		modeArt = &proxyArt
		modeColor = yellow
	default: // cli
		modeArt = &cliArt
		modeColor = magenta
	}

	for i := 0; i < 5; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s  %s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+modeColor, modeArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s  %s\n", logoLines[i], modeArt[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %satm_home%s %s\n\n",
			dim, reset, ver, dim, reset, atmHome)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   atm_home %s\n\n", ver, atmHome)
	}
}
