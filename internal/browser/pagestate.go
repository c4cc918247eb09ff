package browser

import (
	"fmt"
	"strings"
)

// RefAttribute tags every interactive element found by the page-state scan.
// Selectors handed to the LLM reference it so they stay valid until the next scan.
const RefAttribute = "data-quotebot-ref"

// Element is one interactive node visible on the page.
type Element struct {
	Ref         int    `json:"ref"`
	Tag         string `json:"tag"`
	Type        string `json:"type,omitempty"`
	Role        string `json:"role,omitempty"`
	Text        string `json:"text,omitempty"`
	Name        string `json:"name,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Value       string `json:"value,omitempty"`
	Checked     bool   `json:"checked,omitempty"`
	Disabled    bool   `json:"disabled,omitempty"`
}

// Selector is the CSS selector addressing the element.
func (e Element) Selector() string {
	return fmt.Sprintf(`[%s="%d"]`, RefAttribute, e.Ref)
}

// Describe renders the element on one line for a prompt.
func (e Element) Describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d] <%s", e.Ref, e.Tag)
	attr := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&sb, " %s=%q", k, v)
		}
	}
	attr("type", e.Type)
	attr("role", e.Role)
	attr("name", e.Name)
	attr("placeholder", e.Placeholder)
	attr("value", e.Value)
	if e.Checked {
		sb.WriteString(" checked")
	}
	if e.Disabled {
		sb.WriteString(" disabled")
	}
	sb.WriteString(">")
	if e.Text != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Text)
	}
	return sb.String()
}

// PageState is what the agent sees of the current page.
type PageState struct {
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Text     string    `json:"text"`
	Elements []Element `json:"elements"`
}

// Render formats the state for an LLM prompt, truncating the visible text
// to maxText characters and the element list to maxElements entries.
func (p PageState) Render(maxText, maxElements int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nTitle: %s\n", p.URL, p.Title)

	text := strings.TrimSpace(p.Text)
	if maxText > 0 && len(text) > maxText {
		text = truncate(text, maxText) + " ..."
	}
	sb.WriteString("\nVisible text:\n")
	sb.WriteString(text)
	sb.WriteString("\n\nInteractive elements:\n")

	elements := p.Elements
	if maxElements > 0 && len(elements) > maxElements {
		elements = elements[:maxElements]
	}
	for _, e := range elements {
		sb.WriteString(e.Describe())
		sb.WriteString("\n")
	}
	if len(elements) < len(p.Elements) {
		fmt.Fprintf(&sb, "(%d more elements not shown)\n", len(p.Elements)-len(elements))
	}
	return sb.String()
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8Start(s[n]) {
		n--
	}
	return s[:n]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

// pageStateScript tags visible interactive elements with RefAttribute and
// returns a PageState-shaped object.
const pageStateScript = `(() => {
  const attr = '` + RefAttribute + `';
  const query = 'a[href], button, input, select, textarea, label, [role=button], [role=link], [role=option], [role=radio], [role=checkbox], [role=combobox], [role=tab], [contenteditable=true]';
  const found = Array.from(document.querySelectorAll(query));

  const visible = (el) => {
    const r = el.getBoundingClientRect();
    if (r.width === 0 && r.height === 0) return false;
    const s = window.getComputedStyle(el);
    return s.visibility !== 'hidden' && s.display !== 'none';
  };
  const clip = (s, n) => (s || '').replace(/\s+/g, ' ').trim().slice(0, n);

  document.querySelectorAll('[' + attr + ']').forEach((el) => el.removeAttribute(attr));
  const elements = [];
  let ref = 0;
  for (const el of found) {
    if (!visible(el)) continue;
    ref++;
    el.setAttribute(attr, String(ref));
    elements.push({
      ref: ref,
      tag: el.tagName.toLowerCase(),
      type: el.getAttribute('type') || '',
      role: el.getAttribute('role') || '',
      text: clip(el.innerText || el.getAttribute('aria-label') || el.getAttribute('title'), 80),
      name: el.getAttribute('name') || el.id || '',
      placeholder: el.getAttribute('placeholder') || '',
      value: el.type === 'password' ? '' : clip(el.value, 60),
      checked: !!el.checked,
      disabled: !!el.disabled,
    });
  }
  return {
    url: location.href,
    title: document.title,
    text: clip(document.body ? document.body.innerText : '', 8000),
    elements: elements,
  };
})()`
