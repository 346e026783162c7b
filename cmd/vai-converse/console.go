package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vango-go/vai-converse/pkg/core/correlate"
	"github.com/vango-go/vai-converse/pkg/core/live"
	"github.com/vango-go/vai-converse/pkg/core/protocol"
)

// console presents session output on the terminal and the speaker.
type console struct {
	mu      sync.Mutex
	out     io.Writer
	speaker speaker
	// names maps an agent id to its display name.
	names func(id string) (string, bool)
}

func newConsole(out io.Writer, sp speaker) *console {
	return &console{out: out, speaker: sp}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) speakerName(p *protocol.Packet) string {
	if p.IsFromPlayer() {
		return "you"
	}
	id := p.Participant()
	if id == "" {
		return "server"
	}
	if c.names != nil {
		if name, ok := c.names(id); ok {
			return name
		}
	}
	return id
}

func (c *console) play(p *protocol.Packet) {
	if c.speaker == nil {
		return
	}
	if chunk, ok := p.Audio(); ok && len(chunk.Chunk) > 0 {
		c.speaker.Write(chunk.Chunk)
	}
}

// OnInteractionPresentable implements live.Handler.
func (c *console) OnInteractionPresentable(u *correlate.Utterance) {
	packets := u.Packets()
	if len(packets) == 0 {
		return
	}
	if text := u.Text(); text != "" {
		c.printf("%s: %s\n", c.speakerName(packets[0]), text)
	}
	for _, p := range packets {
		c.play(p)
	}
}

// OnPacketReceived implements live.Handler.
func (c *console) OnPacketReceived(p *protocol.Packet) {
	switch pl := p.Payload.(type) {
	case *protocol.TextEvent:
		if pl.Text == "" || (p.IsFromPlayer() && !pl.Final) {
			return
		}
		c.printf("%s: %s\n", c.speakerName(p), pl.Text)
	case *protocol.DataChunk:
		c.play(p)
	case *protocol.ControlEvent:
		switch pl.Action {
		case protocol.ControlWarning:
			c.printf("! warning: %s\n", pl.Description)
		case protocol.ControlSessionEnd:
			c.printf("* session ended\n")
		}
	case *protocol.SessionControlResponse:
		for _, a := range pl.Agents() {
			c.printf("* %s joined\n", a.BrainName)
		}
	}
}

// OnStatusChanged implements live.Handler.
func (c *console) OnStatusChanged(status live.Status, message string) {
	if message == "" {
		c.printf("[%s]\n", status)
		return
	}
	c.printf("[%s] %s\n", status, message)
}

// repl applies terminal commands to a session.
type repl struct {
	sess            *live.Session
	con             *console
	speaker         speaker
	interruptOnSend bool
}

func (r *repl) flushSpeaker() {
	if r.speaker != nil {
		r.speaker.Flush()
	}
}

// handle runs one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	cmd, err := parseCommand(line)
	if errors.Is(err, errEmptyLine) {
		return false
	}
	if err != nil {
		r.con.printf("%v\n", err)
		return false
	}

	switch cmd.kind {
	case cmdSay:
		if r.interruptOnSend {
			r.flushSpeaker()
		}
		if _, err := r.sess.SendText(cmd.agent, cmd.text); err != nil {
			r.con.printf("send failed: %v\n", err)
		}
	case cmdTrigger:
		if _, err := r.sess.SendTrigger("", cmd.name, cmd.params); err != nil {
			r.con.printf("trigger failed: %v\n", err)
		}
	case cmdCancel, cmdInterrupt:
		r.sess.Cancel(cmd.agent, cmd.kind == cmdInterrupt)
		r.flushSpeaker()
	case cmdMic:
		if !cmd.on {
			if err := r.sess.StopAudio(); err != nil {
				r.con.printf("mic: %v\n", err)
			}
			return false
		}
		if r.interruptOnSend {
			r.flushSpeaker()
		}
		if err := r.sess.StartAudio(ctx); err != nil {
			r.con.printf("mic: %v\n", err)
		}
	case cmdPushToTalk:
		r.sess.SetPushToTalk(cmd.on)
	case cmdMode:
		r.sess.SetMicMode(cmd.mode)
		r.con.printf("mic mode %s\n", cmd.mode)
	case cmdRecalibrate:
		r.sess.Recalibrate()
	case cmdReinitialize:
		r.sess.Reinitialize()
	case cmdStatus:
		status, message := r.sess.Status()
		r.con.OnStatusChanged(status, message)
	case cmdHelp:
		r.con.printf("%s\n", helpText)
	case cmdQuit:
		return true
	}
	return false
}
