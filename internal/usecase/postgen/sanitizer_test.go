package postgen

import "testing"

func TestSanitizeHTML(t *testing.T) {
	cases := map[string]string{
		"Привет, мир":                                        "Привет, мир",
		"<div><b>Hi</b><script>alert(1)</script></div>":      "<b>Hi</b>",
		`<a href="https://e.com" onclick="x()">ссылка</a>`:   `<a href="https://e.com">ссылка</a>`,
		"<span>текст</span>":                                 "текст",
		"<style>.a{color:red}</style>ok":                     "ok",
		"<i>a</i><u>b</u><s>c</s><code>d</code><pre>e</pre>": "<i>a</i><u>b</u><s>c</s><code>d</code><pre>e</pre>",
		"<p>первый</p> <p>второй</p>":                        "первый второй",
		"до<br/>после":                                       "допосле",
		"<a>без ссылки</a>":                                  "<a>без ссылки</a>",
	}
	for input, expected := range cases {
		got := SanitizeHTML(input)
		if got != expected {
			t.Fatalf("для %q ожидали %q, получили %q", input, expected, got)
		}
	}
}

func TestSanitizeHTMLDropsNestedScriptBody(t *testing.T) {
	input := "<script>var a = '<b>не текст</b>';</script><b>текст</b>"
	got := SanitizeHTML(input)
	if got != "<b>текст</b>" {
		t.Fatalf("ожидали только текст поста, получили %q", got)
	}
}
