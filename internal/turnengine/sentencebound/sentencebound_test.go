package sentencebound

import "testing"

func TestFindPlainSentence(t *testing.T) {
	t.Parallel()
	idx := Find("Hello there. How are you?")
	if idx != 11 {
		t.Fatalf("want boundary at index 11, got %d", idx)
	}
}

func TestFindNoBoundary(t *testing.T) {
	t.Parallel()
	if idx := Find("still thinking"); idx != -1 {
		t.Fatalf("want -1, got %d", idx)
	}
}

func TestFindIgnoresDecimalPoint(t *testing.T) {
	t.Parallel()
	idx := Find("It costs 3.14 dollars.")
	if idx != len("It costs 3.14 dollars.")-1 {
		t.Fatalf("want boundary at final period, got %d", idx)
	}
}

func TestFindIgnoresAbbreviation(t *testing.T) {
	t.Parallel()
	idx := Find("See e.g. the appendix. Thanks.")
	want := len("See e.g. the appendix.") - 1
	if idx != want {
		t.Fatalf("want boundary after 'appendix.' at %d, got %d", want, idx)
	}
}

func TestFindHandlesEllipsis(t *testing.T) {
	t.Parallel()
	idx := Find("Well... I'm not sure. Really.")
	want := len("Well...") - 1
	if idx != want {
		t.Fatalf("want boundary at end of ellipsis (%d), got %d", want, idx)
	}
}

func TestFindHandlesExclamationAndQuestion(t *testing.T) {
	t.Parallel()
	if idx := Find("Wait! What?"); idx != 4 {
		t.Fatalf("want boundary at index 4, got %d", idx)
	}
}

func TestFindRequiresTrailingWhitespaceOrEnd(t *testing.T) {
	t.Parallel()
	if idx := Find("visit example.com for more"); idx != -1 {
		t.Fatalf("want no boundary inside a domain name, got %d", idx)
	}
}

func TestFindBoundaryAtEndOfString(t *testing.T) {
	t.Parallel()
	idx := Find("That's everything.")
	if idx != len("That's everything.")-1 {
		t.Fatalf("want boundary at final char, got %d", idx)
	}
}
