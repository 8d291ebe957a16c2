package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"dropdrive/internal/model"
	"dropdrive/internal/provider"
)

// ErrNotConfirmed is returned when the operator declines a destructive run.
var ErrNotConfirmed = errors.New("operation not confirmed by operator")

// Prompter asks the operator to confirm a destructive request.
type Prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{reader: bufio.NewReader(in), out: out}
}

// ConfirmWipe shows the device and level and requires the operator to type
// the device path back. A confirmed serial is also shown so a swapped
// device is noticed before the identity check.
func (p *Prompter) ConfirmWipe(req model.WipeRequest, info provider.Info) error {
	fmt.Fprintln(p.out, "╔════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(p.out, "║  ВНИМАНИЕ: все данные на устройстве будут безвозвратно удалены ║")
	fmt.Fprintln(p.out, "╚════════════════════════════════════════════════════════════════╝")
	fmt.Fprintf(p.out, "  Device:  %s\n", req.DevicePath)
	if info.Model != "" || info.Serial != "" {
		fmt.Fprintf(p.out, "  Model:   %s\n  Serial:  %s\n", orDash(info.Model), orDash(info.Serial))
	}
	if info.SizeBytes > 0 {
		fmt.Fprintf(p.out, "  Size:    %.1f GB\n", float64(info.SizeBytes)/1e9)
	}
	fmt.Fprintf(p.out, "  Level:   %s (NIST 800-88 %s)\n", req.Level, req.Level.NISTProfile())
	if req.DeviceInfo.ConfirmedSerial != "" {
		fmt.Fprintf(p.out, "  Expected serial: %s\n", req.DeviceInfo.ConfirmedSerial)
	}

	answer, err := p.prompt(fmt.Sprintf("Type %s to continue: ", req.DevicePath))
	if err != nil {
		return err
	}
	if answer != req.DevicePath {
		return ErrNotConfirmed
	}
	return nil
}

func (p *Prompter) prompt(text string) (string, error) {
	fmt.Fprint(p.out, text)
	input, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && input != "") {
		if errors.Is(err, io.EOF) {
			return "", ErrNotConfirmed
		}
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	return strings.TrimSpace(input), nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
