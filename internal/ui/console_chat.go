package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wwwzy/SiapPanen/internal/agent"
)

type ConsoleChatUI struct {
	In  io.Reader
	Out io.Writer
}

func (u *ConsoleChatUI) Run(ctx context.Context, backend ChatBackend, session *Session, opts ChatOptions) error {
	in := u.In
	if in == nil {
		return fmt.Errorf("console ui: In is nil")
	}
	out := u.Out
	if out == nil {
		return fmt.Errorf("console ui: Out is nil")
	}
	if session == nil {
		session = NewSession("")
	}

	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "Siap Panen siap membantu. Ketik exit/keluar untuk berhenti.")
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Sampai jumpa!")
			return nil
		default:
		}

		fmt.Fprint(out, "Anda: ")
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("读取输入失败: %w", err)
		}
		eof := errors.Is(err, io.EOF)

		line = strings.TrimSpace(line)
		if line == "" {
			if eof {
				fmt.Fprintln(out)
				return nil
			}
			continue
		}
		if IsExit(line) {
			fmt.Fprintln(out, "Sampai jumpa!")
			return nil
		}

		resp, err := session.Send(ctx, backend, line)
		if err != nil {
			return err
		}
		printResponse(out, resp, opts)

		if eof {
			return nil
		}
	}
}

func printResponse(w io.Writer, resp agent.Response, opts ChatOptions) {
	content := strings.TrimSpace(resp.Response)
	if content == "" {
		content = "(tidak ada jawaban)"
	}
	fmt.Fprintf(w, "Siap Panen: %s\n", content)

	if opts.ShowMetadata && !resp.Metadata.Fallback {
		if len(resp.Metadata.ToolsUsed) > 0 {
			fmt.Fprintf(w, "  [tools] %s\n", strings.Join(resp.Metadata.ToolsUsed, ", "))
		}
		for _, s := range resp.Metadata.SuggestedFollowUps {
			fmt.Fprintf(w, "  ? %s\n", s)
		}
	}
	fmt.Fprintln(w)
}
