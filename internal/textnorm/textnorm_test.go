package textnorm

import "testing"

func TestCanonicalURL_StripsTrackingAndNormalizes(t *testing.T) {
	t.Parallel()

	canonical, host := CanonicalURL("https://Example.COM:443/news/path/?utm_source=abc&fbclid=123&b=2&a=1")
	if canonical != "https://example.com/news/path?a=1&b=2" {
		t.Fatalf("unexpected canonical url: %q", canonical)
	}
	if host != "example.com" {
		t.Fatalf("unexpected host: %q", host)
	}
}

func TestCanonicalURL_Invalid(t *testing.T) {
	t.Parallel()

	canonical, host := CanonicalURL("not a url")
	if canonical != "" || host != "" {
		t.Fatalf("expected empty result for invalid URL, got canonical=%q host=%q", canonical, host)
	}
}

func TestOrigin(t *testing.T) {
	t.Parallel()

	if got := Origin("HTTPS://News.Example.com:443/a/b?x=1"); got != "https://news.example.com" {
		t.Fatalf("unexpected origin: %q", got)
	}
	if got := Origin("http://example.com:8080/feed"); got != "http://example.com:8080" {
		t.Fatalf("unexpected origin with port: %q", got)
	}
	if got := Origin("/relative"); got != "" {
		t.Fatalf("expected empty origin for relative url, got %q", got)
	}
}

func TestTokenJaccard(t *testing.T) {
	t.Parallel()

	score := TokenJaccard("Acme launches orbital drone", "Acme launches drone platform")
	if score <= 0 || score >= 1 {
		t.Fatalf("expected partial overlap score in (0,1), got %f", score)
	}
	if TokenJaccard("", "anything") != 0 {
		t.Fatalf("expected zero overlap for empty input")
	}
}

func TestTrigramJaccard(t *testing.T) {
	t.Parallel()

	score := TrigramJaccard("OpenAI releases model", "OpenAI released model")
	if score <= 0 || score >= 1 {
		t.Fatalf("expected partial trigram overlap score in (0,1), got %f", score)
	}
}

func TestFold(t *testing.T) {
	t.Parallel()

	if got := Fold("  Zürich "); got != "zurich" {
		t.Fatalf("unexpected fold: %q", got)
	}
	if got := Fold("STRASSE"); got != "strasse" {
		t.Fatalf("unexpected fold: %q", got)
	}
}

func TestPlainText(t *testing.T) {
	t.Parallel()

	got := PlainText("<p>First line.</p><script>var x;</script><p>Second &amp; last.</p>")
	if got != "First line.Second & last." {
		t.Fatalf("unexpected plain text: %q", got)
	}
	if got := PlainText("  plain\n text "); got != "plain text" {
		t.Fatalf("unexpected plain text passthrough: %q", got)
	}
}
