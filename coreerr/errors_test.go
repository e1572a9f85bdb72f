package coreerr

import (
	"errors"
	"testing"
)

func TestErrKindReportsConcreteContextKind(t *testing.T) {
	t.Parallel()
	err := ErrMalformedFrame{Context: MalformedFrameContext{Reason: "bad trailer"}}
	if err.ErrKind() != KindMalformedFrame {
		t.Fatalf("got %v, want %v", err.ErrKind(), KindMalformedFrame)
	}
}

func TestIsKindMatchesDirectError(t *testing.T) {
	t.Parallel()
	err := ErrTimeout{Context: TimeoutContext{Op: "write"}}
	if !IsKind(err, KindTimeout) {
		t.Fatal("expected IsKind to match KindTimeout")
	}
	if IsKind(err, KindCancelled) {
		t.Fatal("did not expect IsKind to match KindCancelled")
	}
}

func TestIsKindMatchesWrappedError(t *testing.T) {
	t.Parallel()
	inner := ErrBadVarint{Context: BadVarintContext{}}
	outer := ErrMalformedFrame{Inner: inner, Context: MalformedFrameContext{Reason: "wrapped"}}
	if !IsKind(outer, KindMalformedFrame) {
		t.Fatal("expected IsKind to match the outer error's own kind")
	}
	if !IsKind(outer, KindBadVarint) {
		t.Fatal("expected IsKind to walk Unwrap and match the inner error's kind")
	}
}

func TestErrorUnwrapAndMessage(t *testing.T) {
	t.Parallel()
	inner := errors.New("short read")
	err := ErrMalformedFrame{Inner: inner, Context: MalformedFrameContext{Reason: "truncated header"}}
	if !errors.Is(err, err) {
		t.Fatal("expected an error to be errors.Is itself")
	}
	if errors.Unwrap(err) != inner {
		t.Fatal("expected Unwrap to return the inner error")
	}
	want := "malformed frame: truncated header: short read"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}
