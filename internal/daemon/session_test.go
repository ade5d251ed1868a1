package daemon

import (
	"bytes"
	"testing"

	"github.com/kontains/freenet-kore/internal/crypto"
	"github.com/kontains/freenet-kore/internal/proto"
	"github.com/kontains/freenet-kore/internal/ring"
)

func testSessionPair(t *testing.T) (*session, *session) {
	t.Helper()
	var dialer, acceptor ring.NodeID
	dialer[0], acceptor[0] = 1, 2
	keys, err := crypto.DeriveSessionKeys(crypto.KDF("test-shared"), []byte("test-transcript"))
	if err != nil {
		t.Fatal(err)
	}
	return newSession(dialer, acceptor, keys, true), newSession(acceptor, dialer, keys, false)
}

func TestSessionSealOpenBothDirections(t *testing.T) {
	d, a := testSessionPair(t)

	raw, err := d.seal([]byte("from dialer"))
	if err != nil {
		t.Fatal(err)
	}
	sm, err := proto.DecodeSealedMsg(raw)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := a.open(sm)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, []byte("from dialer")) {
		t.Fatalf("got %q", plain)
	}

	raw, err = a.seal([]byte("from acceptor"))
	if err != nil {
		t.Fatal(err)
	}
	sm, err = proto.DecodeSealedMsg(raw)
	if err != nil {
		t.Fatal(err)
	}
	plain, err = d.open(sm)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, []byte("from acceptor")) {
		t.Fatalf("got %q", plain)
	}
}

func TestSessionRejectsReplay(t *testing.T) {
	d, a := testSessionPair(t)

	raw, err := d.seal([]byte("once"))
	if err != nil {
		t.Fatal(err)
	}
	sm, err := proto.DecodeSealedMsg(raw)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.open(sm); err != nil {
		t.Fatal(err)
	}
	if _, err := a.open(sm); err == nil {
		t.Fatal("replayed frame accepted")
	}
}

func TestSessionRejectsWrongSender(t *testing.T) {
	d, a := testSessionPair(t)

	raw, err := d.seal([]byte("msg"))
	if err != nil {
		t.Fatal(err)
	}
	sm, err := proto.DecodeSealedMsg(raw)
	if err != nil {
		t.Fatal(err)
	}
	var stranger ring.NodeID
	stranger[0] = 9
	sm.FromNodeID = stranger.String()
	if _, err := a.open(sm); err == nil {
		t.Fatal("frame with forged sender accepted")
	}
}

func TestSessionRejectsOwnDirection(t *testing.T) {
	d, _ := testSessionPair(t)

	raw, err := d.seal([]byte("loop"))
	if err != nil {
		t.Fatal(err)
	}
	sm, err := proto.DecodeSealedMsg(raw)
	if err != nil {
		t.Fatal(err)
	}
	// A frame sealed for the send direction must not open under the same
	// side's receive key.
	sm.FromNodeID = d.remote.String()
	if _, err := d.open(sm); err == nil {
		t.Fatal("reflected frame accepted")
	}
}
