package at

import (
	"reflect"
	"strconv"
	"testing"
)

func TestParseValues(t *testing.T) {
	got := parseValues(`1,"item1,item2","cellid"`)
	want := []string{"1", "item1,item2", "cellid"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseValues = %v, want %v", got, want)
	}
}

func TestCommandResponseValues(t *testing.T) {
	cr, ok := newCommandResponse(`+CONN: 1,disconnected`)
	if !ok {
		t.Fatal("expected a command response")
	}
	if cr.Command() != "CONN" {
		t.Fatalf("Command() = %q, want CONN", cr.Command())
	}
	if got, want := cr.Values(), []string{"1", "disconnected"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Values() = %v, want %v", got, want)
	}
}

func TestAtResponseValuesFiltered(t *testing.T) {
	cr1, _ := newCommandResponse(`+CONN: 1,disconnected`)
	cr2, _ := newCommandResponse(`+CONN: 5,connected`)
	r := newAtResponse("+CONN?", []FromModem{
		commandResponseFrom(cr1),
		commandResponseFrom(cr2),
		okFrom(),
	})

	values, ok := r.Values(FilterByFirst("5"))
	if !ok {
		t.Fatal("expected a match for id 5")
	}
	if got, want := values, []string{"5", "connected"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Values() = %v, want %v", got, want)
	}

	if _, ok := r.Values(FilterByFirst("9")); ok {
		t.Fatal("expected no match for id 9")
	}
}

func TestAtResponseParsing(t *testing.T) {
	cr, _ := newCommandResponse(`+CONN: 1,783,"disconnected"`)
	r := newAtResponse("+CONN?", []FromModem{commandResponseFrom(cr), okFrom()})

	values, ok := r.Values(nil)
	if !ok {
		t.Fatal("expected a value match")
	}
	if len(values) != 3 {
		t.Fatalf("len(values) = %d, want 3", len(values))
	}
	id, err := strconv.Atoi(values[0])
	if err != nil || id != 1 {
		t.Fatalf("values[0] = %q, want 1", values[0])
	}
	if values[2] != "disconnected" {
		t.Fatalf("values[2] = %q, want disconnected", values[2])
	}
}

func TestAtResponsePrefixStripsArgument(t *testing.T) {
	r := newAtResponse(`+QMTOPEN=0,"broker.emqx.io",1883`, nil)
	if r.prefix != "+QMTOPEN" {
		t.Fatalf("prefix = %q, want +QMTOPEN", r.prefix)
	}
}
