package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Message
	}{
		{
			name:  "botHostInfo",
			frame: `{"message":"botHostInfo","uuid":"A","hostname":"h1","os":"Linux"}`,
			want:  NewBotHostInfo("A", "h1", "Linux"),
		},
		{
			name:  "botHostInfoReply",
			frame: `{"message":"botHostInfoReply"}`,
			want:  NewBotHostInfoReply(),
		},
		{
			name:  "botHello",
			frame: `{"message":"botHello"}`,
			want:  NewBotHello(),
		},
		{
			name:  "botHelloReply",
			frame: `{"message":"botHelloReply"}`,
			want:  NewBotHelloReply(),
		},
		{
			name:  "exeCommand",
			frame: `{"message":"exeCommand","command":"uptime","timeout":30,"cmd_id":101}`,
			want:  NewExeCommand("uptime", 30, 101),
		},
		{
			name:  "exeCommandReply with exit code",
			frame: `{"message":"exeCommandReply","command":"uptime","cmd_id":101,"result":"up 1 day","exit_code":0}`,
			want:  NewExeCommandReply("uptime", 101, "up 1 day", NewExitCode(0)),
		},
		{
			name:  "exeCommandReply never ran",
			frame: `{"message":"exeCommandReply","command":"nope","cmd_id":102,"result":"nope is unknown","exit_code":false}`,
			want:  NewExeCommandReply("nope", 102, "nope is unknown", NoExitCode()),
		},
		{
			name:  "exeScript",
			frame: `{"message":"exeScript","script":"/tmp/x.sh","type":"sh","timeout":30,"command":"echo hi","cmd_id":7}`,
			want:  NewExeScript("/tmp/x.sh", "sh", "echo hi", 30, 7),
		},
		{
			name:  "exeScriptReply",
			frame: `{"message":"exeScriptReply","command":"/tmp/x.sh","cmd_id":7,"result":"hi","exit_code":0}`,
			want:  NewExeScriptReply("/tmp/x.sh", 7, "hi", NewExitCode(0)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeUnknownMessage(t *testing.T) {
	_, err := Decode([]byte(`{"message":"selfDestruct"}`))
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("got %v, want ErrUnknownMessage", err)
	}
}

func TestDecodeMalformedFrame(t *testing.T) {
	if _, err := Decode([]byte(`{"message":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestExitCodeEncoding(t *testing.T) {
	got, err := json.Marshal(NewExitCode(2))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(got) != "2" {
		t.Fatalf("got %s, want 2", got)
	}

	got, err = json.Marshal(NoExitCode())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(got) != "false" {
		t.Fatalf("got %s, want false", got)
	}

	var e ExitCode
	if err := json.Unmarshal([]byte("null"), &e); err != nil {
		t.Fatalf("Unmarshal null: %v", err)
	}
	if e.Valid {
		t.Fatal("null should decode as unset")
	}

	if e.String() != "false" {
		t.Fatalf("String() = %q, want false", e.String())
	}
	if NewExitCode(0).String() != "0" {
		t.Fatalf("String() = %q, want 0", NewExitCode(0).String())
	}
}
