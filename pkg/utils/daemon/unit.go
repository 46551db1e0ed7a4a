package daemon

import (
	"fmt"
	"strings"
)

const unitTemplate = `[Unit]
Description=Beam shower daemon
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s
Restart=on-failure
RestartSec=5s
# A running shower restores the instrument on SIGTERM.
TimeoutStopSec=90s
KillMode=mixed

[Install]
WantedBy=multi-user.target
`

// RenderUnit returns the systemd unit that runs `exePath daemon args...`.
func RenderUnit(exePath string, args ...string) string {
	cmd := []string{quoteArg(exePath), "daemon"}
	for _, a := range args {
		cmd = append(cmd, quoteArg(a))
	}
	return fmt.Sprintf(unitTemplate, strings.Join(cmd, " "))
}

func quoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
