package extractors

import "testing"

func TestFilterClientHeaders_Allowlist(t *testing.T) {
	in := map[string]string{
		"Authorization":   "Bearer abc",
		"X-Api-Key":       "key123",
		"X-Auth-Token":    "tok",
		"Referer":         "https://origin.example.com/",
		"Cookie":          "session=1",
		"X-Forwarded-For": "10.0.0.1",
		"Cache-Control":   "no-cache",
		"X-Custom-Track":  "abc",
	}

	out := filterClientHeaders(in)

	for _, k := range []string{"Authorization", "X-Api-Key", "X-Auth-Token", "Referer", "Cookie"} {
		if _, ok := out[k]; !ok {
			t.Errorf("expected %q to be forwarded, got %v", k, out)
		}
	}

	for _, k := range []string{"X-Forwarded-For", "Cache-Control", "X-Custom-Track"} {
		if _, ok := out[k]; ok {
			t.Errorf("expected %q to be dropped, got %v", k, out)
		}
	}
}

func TestFilterClientHeaders_Empty(t *testing.T) {
	out := filterClientHeaders(nil)
	if len(out) != 0 {
		t.Errorf("filterClientHeaders(nil) = %v, want empty", out)
	}
}
