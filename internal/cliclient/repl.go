package cliclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/horizon-agent/biz/transport"
)

var ErrConnectionClosed = errors.New("connection closed by daemon")

type Config struct {
	URL        string
	Token      string
	Timeout    time.Duration
	ShowSeq    bool
	ShowEvents bool
}

func DefaultConfig() Config {
	return Config{
		URL:     "ws://127.0.0.1:8787/ws",
		Token:   "local",
		Timeout: 120 * time.Second,
	}
}

const helpText = `commands:
  /deep          toggle deep analysis for the following messages
  /ocr <text>    attach screen text to the next message
  /url <url>     attach a page URL to the next message
  /events        toggle session event output
  /exit          quit`

type printer struct {
	out   io.Writer
	gray  *color.Color
	cyan  *color.Color
	red   *color.Color
	green *color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:   out,
		gray:  color.New(color.FgHiBlack),
		cyan:  color.New(color.FgCyan),
		red:   color.New(color.FgRed),
		green: color.New(color.FgGreen),
	}
}

// Run is the interactive loop. It returns nil on /exit or end of input.
func Run(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	cli, err := NewWSClient(ctx, cfg.URL, cfg.Token)
	if err != nil {
		return err
	}
	defer cli.Close()

	p := newPrinter(out)
	p.cyan.Fprintf(out, "[connected] %s\n", cfg.URL)
	fmt.Fprintln(out, "type a question; /help for commands")

	responses := make(chan transport.MsgResponse, 64)
	go cli.pump(responses)

	var (
		deep       bool
		ocr, page  string
		showEvents = cfg.ShowEvents
	)
	lines := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !lines.Scan() {
			break
		}
		line := strings.TrimSpace(lines.Text())
		switch {
		case line == "":
			continue
		case line == "/exit":
			fmt.Fprintln(out, "bye")
			return nil
		case line == "/help":
			fmt.Fprintln(out, helpText)
			continue
		case line == "/deep":
			deep = !deep
			p.gray.Fprintf(out, "[deep analysis %v]\n", deep)
			continue
		case line == "/events":
			showEvents = !showEvents
			p.gray.Fprintf(out, "[events %v]\n", showEvents)
			continue
		case strings.HasPrefix(line, "/ocr "):
			ocr = strings.TrimSpace(strings.TrimPrefix(line, "/ocr "))
			p.gray.Fprintln(out, "[ocr attached]")
			continue
		case strings.HasPrefix(line, "/url "):
			page = strings.TrimSpace(strings.TrimPrefix(line, "/url "))
			p.gray.Fprintln(out, "[url attached]")
			continue
		}

		id := "run-" + uuid.NewString()[:8]
		req := transport.MsgRequest{
			Type:         transport.TypeChatSend,
			ID:           id,
			Text:         line,
			OCRText:      ocr,
			BrowserURL:   page,
			DeepAnalysis: deep,
		}
		ocr, page = "", ""
		if err := cli.SendJSON(req); err != nil {
			p.red.Fprintf(out, "[send error] %v\n", err)
			continue
		}
		if err := p.await(ctx, cfg, showEvents, cli, id, responses); err != nil {
			return err
		}
	}
	return lines.Err()
}

// await prints the answer for id until it is done, failed or cancelled.
func (p *printer) await(ctx context.Context, cfg Config, showEvents bool, cli *WSClient, id string, responses <-chan transport.MsgResponse) error {
	timeout := time.NewTimer(cfg.Timeout)
	defer timeout.Stop()
	previewShown, fullStarted := false, false

	for {
		select {
		case <-ctx.Done():
			_ = cli.SendJSON(transport.MsgRequest{Type: transport.TypeChatCancel, ID: id})
			return ctx.Err()
		case <-timeout.C:
			p.red.Fprintln(p.out, "\n[timeout] cancelling")
			_ = cli.SendJSON(transport.MsgRequest{Type: transport.TypeChatCancel, ID: id})
			timeout.Reset(5 * time.Second)
		case m, ok := <-responses:
			if !ok {
				return ErrConnectionClosed
			}
			if m.Type == transport.TypeEvent {
				if showEvents && m.Event != nil {
					p.gray.Fprintf(p.out, "\n[event %s/%s] %s\n", m.Event.Source, m.Event.Kind, string(m.Event.Data))
				}
				continue
			}
			if m.ID != id {
				continue
			}
			switch m.Type {
			case transport.TypePreviewDelta:
				// a preview is pointless once the full answer is streaming
				if !previewShown && !fullStarted {
					previewShown = true
					p.gray.Fprintf(p.out, "[preview] %s\n", strings.ReplaceAll(m.Text, "\n", " "))
				}
			case transport.TypeFullDelta:
				if !fullStarted {
					fullStarted = true
					p.cyan.Fprint(p.out, "[assistant] ")
				}
				if cfg.ShowSeq {
					p.gray.Fprintf(p.out, "{%d}", m.Seq)
				}
				fmt.Fprint(p.out, m.Text)
			case transport.TypeError:
				p.red.Fprintf(p.out, "\n[error] %s (%s)\n", m.ErrorMsg, m.ErrorCode)
				return nil
			case transport.TypeDone:
				if m.Stopped {
					p.gray.Fprint(p.out, " [stopped]")
				}
				fmt.Fprintln(p.out)
				if !fullStarted && m.Text != "" {
					p.green.Fprintln(p.out, m.Text)
				}
				return nil
			}
		}
	}
}
