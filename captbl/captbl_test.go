package captbl

import (
	"testing"

	"ilo/defs"
)

func TestMintThenResolve(t *testing.T) {
	tb := New(4)
	tok := tb.Mint(1, Endpoint{OwnerPid: 7, QueueIdx: 2})
	ep, err := tb.Resolve(tok)
	if err != 0 {
		t.Fatalf("resolve: %v", err)
	}
	if ep.OwnerPid != 7 || ep.QueueIdx != 2 {
		t.Fatalf("unexpected endpoint %+v", ep)
	}
}

func TestMintTokensAreDistinct(t *testing.T) {
	tb := New(4)
	a := tb.Mint(1, Endpoint{OwnerPid: 1})
	b := tb.Mint(1, Endpoint{OwnerPid: 1})
	if a == b {
		t.Fatalf("expected distinct tokens, got identical %+v", a)
	}
}

func TestResolveUnknownTokenFails(t *testing.T) {
	tb := New(4)
	_, err := tb.Resolve(Token{Hi: 99, Lo: 99})
	if err != defs.ESRCH {
		t.Fatalf("expected ESRCH, got %v", err)
	}
}

func TestRevokeRemovesToken(t *testing.T) {
	tb := New(4)
	tok := tb.Mint(1, Endpoint{OwnerPid: 3})
	tb.Revoke(tok)
	if _, err := tb.Resolve(tok); err != defs.ESRCH {
		t.Fatalf("expected ESRCH after revoke, got %v", err)
	}
}

func TestRevokeAllOwnedByLeavesOtherOwnersIntact(t *testing.T) {
	tb := New(4)
	mine := tb.Mint(1, Endpoint{OwnerPid: 1, QueueIdx: 0})
	mine2 := tb.Mint(1, Endpoint{OwnerPid: 1, QueueIdx: 1})
	other := tb.Mint(2, Endpoint{OwnerPid: 2, QueueIdx: 0})

	if n := tb.RevokeAllOwnedBy(1); n != 2 {
		t.Fatalf("expected 2 tokens revoked, got %d", n)
	}

	if _, err := tb.Resolve(mine); err != defs.ESRCH {
		t.Fatalf("expected mine revoked")
	}
	if _, err := tb.Resolve(mine2); err != defs.ESRCH {
		t.Fatalf("expected mine2 revoked")
	}
	if _, err := tb.Resolve(other); err != 0 {
		t.Fatalf("expected other owner's token to survive, got %v", err)
	}
}

func TestRevokeAllOwnedByManyTokensSameBucketOwner(t *testing.T) {
	tb := New(1) // force every token into the same bucket chain
	var toks []Token
	for i := 0; i < 20; i++ {
		toks = append(toks, tb.Mint(uint64(i), Endpoint{OwnerPid: int32(i % 2)}))
	}
	if n := tb.RevokeAllOwnedBy(0); n != 10 {
		t.Fatalf("expected 10 tokens revoked, got %d", n)
	}
	for i, tok := range toks {
		_, err := tb.Resolve(tok)
		if i%2 == 0 {
			if err != defs.ESRCH {
				t.Fatalf("token %d owned by pid 0 should be revoked", i)
			}
		} else {
			if err != 0 {
				t.Fatalf("token %d owned by pid 1 should survive, got %v", i, err)
			}
		}
	}
}
