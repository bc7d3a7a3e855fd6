package at

import "testing"

func urcIsCommand(name string) UrcHandler {
	return func(cr CommandResponse) bool { return cr.Command() == name }
}

func TestParseChunkUrcConsumed(t *testing.T) {
	text := "OK\r\n+URC: 1,\"string\"\nERROR"
	frames := parseChunk(text, urcIsCommand("URC"), nil)

	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2 (URC consumed)", len(frames))
	}
	if frames[0].Kind != KindOk {
		t.Fatalf("frames[0].Kind = %v, want KindOk", frames[0].Kind)
	}
	if frames[1].Kind != KindError {
		t.Fatalf("frames[1].Kind = %v, want KindError", frames[1].Kind)
	}
}

func TestParseChunkForwardsNonUrcThenSynthesizesEof(t *testing.T) {
	frames := parseChunk("+NONURC: 1\n", urcIsCommand("URC"), nil)

	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2 (CommandResponse + synthetic Eof)", len(frames))
	}
	if frames[0].Kind != KindCommandResponse || frames[0].Response.Command() != "NONURC" {
		t.Fatalf("frames[0] = %+v, want CommandResponse NONURC", frames[0])
	}
	if frames[1].Kind != KindEof {
		t.Fatalf("frames[1].Kind = %v, want KindEof", frames[1].Kind)
	}
}

func TestParseChunkNoUrcHandler(t *testing.T) {
	frames := parseChunk("OK\n", nil, nil)
	if len(frames) != 1 || frames[0].Kind != KindOk {
		t.Fatalf("frames = %+v, want single OK", frames)
	}
}

func TestParseChunkBlankLinesIgnored(t *testing.T) {
	frames := parseChunk("\r\n\r\nOK\r\n\r\n", nil, nil)
	if len(frames) != 1 || frames[0].Kind != KindOk {
		t.Fatalf("frames = %+v, want single OK", frames)
	}
}
