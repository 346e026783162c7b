package main

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vango-go/vai-converse/pkg/core/audio"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line string
		want command
	}{
		{"hello there", command{kind: cmdSay, text: "hello there"}},
		{"  /to bob  how are you ", command{kind: cmdSay, agent: "bob", text: "how are you"}},
		{"/trigger greet mood=happy", command{kind: cmdTrigger, name: "greet", params: map[string]string{"mood": "happy"}}},
		{"/trigger wave", command{kind: cmdTrigger, name: "wave", params: map[string]string{}}},
		{"/cancel", command{kind: cmdCancel}},
		{"/interrupt bob", command{kind: cmdInterrupt, agent: "bob"}},
		{"/mic on", command{kind: cmdMic, on: true}},
		{"/ptt up", command{kind: cmdPushToTalk, on: false}},
		{"/MODE Push_To_Talk", command{kind: cmdMode, mode: audio.ModePushToTalk}},
		{"/recal", command{kind: cmdRecalibrate}},
		{"/reinit", command{kind: cmdReinitialize}},
		{"/status", command{kind: cmdStatus}},
		{"/help", command{kind: cmdHelp}},
		{"/quit", command{kind: cmdQuit}},
	}
	for _, tt := range tests {
		got, err := parseCommand(tt.line)
		if err != nil {
			t.Fatalf("parseCommand(%q) error = %v", tt.line, err)
		}
		if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(command{})); diff != "" {
			t.Fatalf("parseCommand(%q) mismatch (-want +got):\n%s", tt.line, diff)
		}
	}
}

func TestParseCommand_Errors(t *testing.T) {
	t.Parallel()

	if _, err := parseCommand("   "); !errors.Is(err, errEmptyLine) {
		t.Fatalf("blank line err=%v, want errEmptyLine", err)
	}
	for _, line := range []string{
		"/to bob",
		"/trigger",
		"/trigger greet mood",
		"/mic maybe",
		"/ptt",
		"/mode loud",
		"/dance",
	} {
		if _, err := parseCommand(line); err == nil {
			t.Fatalf("parseCommand(%q) succeeded, want error", line)
		}
	}
}
