package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vango-go/vai-converse/pkg/core/audio"
)

type commandKind int

const (
	cmdSay commandKind = iota
	cmdTrigger
	cmdCancel
	cmdInterrupt
	cmdMic
	cmdPushToTalk
	cmdMode
	cmdRecalibrate
	cmdReinitialize
	cmdStatus
	cmdHelp
	cmdQuit
)

// command is one parsed line of terminal input.
type command struct {
	kind   commandKind
	agent  string
	text   string
	name   string
	params map[string]string
	on     bool
	mode   audio.Mode
}

const helpText = `commands:
  <text>                     say text to the configured agents
  /to <agent> <text>         say text to one agent
  /trigger <name> [k=v ...]  fire a custom trigger
  /cancel [agent]            stop presenting the current reply
  /interrupt [agent]         cancel the current reply on the server too
  /mic on|off                start or stop the microphone
  /ptt down|up               hold or release push-to-talk
  /mode <mode>               no_filter|push_to_talk|turn_based|aec
  /recal                     recalibrate the noise floor
  /reinit                    reconnect after a session error
  /status                    print the connection status
  /quit                      exit`

var errEmptyLine = errors.New("empty line")

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errEmptyLine
	}
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSay, text: line}, nil
	}

	fields := strings.Fields(line)
	name, args := strings.ToLower(fields[0]), fields[1:]
	switch name {
	case "/to":
		if len(args) < 2 {
			return command{}, fmt.Errorf("usage: /to <agent> <text>")
		}
		return command{kind: cmdSay, agent: args[0], text: strings.Join(args[1:], " ")}, nil
	case "/trigger":
		if len(args) < 1 {
			return command{}, fmt.Errorf("usage: /trigger <name> [k=v ...]")
		}
		params := make(map[string]string, len(args)-1)
		for _, kv := range args[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return command{}, fmt.Errorf("trigger parameter %q must be k=v", kv)
			}
			params[k] = v
		}
		return command{kind: cmdTrigger, name: args[0], params: params}, nil
	case "/cancel", "/interrupt":
		c := command{kind: cmdCancel}
		if name == "/interrupt" {
			c.kind = cmdInterrupt
		}
		if len(args) > 0 {
			c.agent = args[0]
		}
		return c, nil
	case "/mic", "/ptt":
		if len(args) != 1 {
			return command{}, fmt.Errorf("usage: %s on|off", name)
		}
		on, err := parseSwitch(args[0])
		if err != nil {
			return command{}, err
		}
		kind := cmdMic
		if name == "/ptt" {
			kind = cmdPushToTalk
		}
		return command{kind: kind, on: on}, nil
	case "/mode":
		if len(args) != 1 {
			return command{}, fmt.Errorf("usage: /mode <mode>")
		}
		m, ok := audio.ParseMode(strings.ToLower(args[0]))
		if !ok {
			return command{}, fmt.Errorf("unknown mic mode %q", args[0])
		}
		return command{kind: cmdMode, mode: m}, nil
	case "/recal":
		return command{kind: cmdRecalibrate}, nil
	case "/reinit":
		return command{kind: cmdReinitialize}, nil
	case "/status":
		return command{kind: cmdStatus}, nil
	case "/help", "/?":
		return command{kind: cmdHelp}, nil
	case "/quit", "/exit":
		return command{kind: cmdQuit}, nil
	default:
		return command{}, fmt.Errorf("unknown command %s (try /help)", name)
	}
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "down", "start", "1":
		return true, nil
	case "off", "up", "stop", "0":
		return false, nil
	default:
		return false, fmt.Errorf("expected on|off, got %q", s)
	}
}
