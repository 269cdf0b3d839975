package models

import (
	"encoding/json"
	"testing"
)

func TestDeck_HasCard(t *testing.T) {
	d := Deck{Name: "T-Shirt", Cards: []string{"S", "M", "L"}}

	if !d.HasCard("M") {
		t.Error("expected M to be in deck")
	}
	if d.HasCard("XL") {
		t.Error("expected XL not to be in deck")
	}
}

func TestDeck_CloneDoesNotShareCards(t *testing.T) {
	d := Deck{Name: "Mini", Cards: []string{"1", "2"}}
	c := d.Clone()
	c.Cards[0] = "changed"

	if d.Cards[0] != "1" {
		t.Errorf("expected original unchanged, got %q", d.Cards[0])
	}
}

func TestEnvelope_Decode(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"type":"cast-vote","payload":{"sessionId":"ab12cd34","card":"5"}}`), &env); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	var p CastVotePayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Type != CmdCastVote || p.SessionID != "ab12cd34" || p.Card != "5" {
		t.Errorf("unexpected decode result: %s %+v", env.Type, p)
	}
}

func TestEnvelope_DecodeEmptyPayload(t *testing.T) {
	env := Envelope{Type: CmdPing}
	p := SessionRef{SessionID: "keep"}
	if err := env.Decode(&p); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if p.SessionID != "keep" {
		t.Errorf("expected target untouched, got %+v", p)
	}
}

func TestEnvelope_DecodeMalformed(t *testing.T) {
	env := Envelope{Type: CmdCastVote, Payload: json.RawMessage(`"not an object"`)}
	var p CastVotePayload
	if err := env.Decode(&p); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestSessionView_ParticipantAndVoters(t *testing.T) {
	v := SessionView{Participants: []Participant{
		{ID: "a", Name: "Ann"},
		{ID: "b", Name: "Bob", IsWatcher: true},
	}}

	if p, ok := v.Participant("b"); !ok || p.Name != "Bob" {
		t.Errorf("expected to find Bob, got %+v %v", p, ok)
	}
	if _, ok := v.Participant("zzz"); ok {
		t.Error("expected unknown participant lookup to fail")
	}
	if voters := v.Voters(); len(voters) != 1 || voters[0].ID != "a" {
		t.Errorf("expected only Ann to be a voter, got %+v", voters)
	}
}
