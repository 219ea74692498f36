// internal/driver/cdpdriver/locate.go
package cdpdriver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chromedp/chromedp/kb"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/comparator"
)

// refAttr tags elements resolved by Find so Act can address them with CSS.
const refAttr = "data-sentinel-ref"

// locateScript marks the first visible element matching css and text with
// the ref attribute. Text matches prefer the innermost element.
const locateScript = `(function(css, text, ref) {
  const norm = s => (s || "").replace(/\s+/g, " ").trim().toLowerCase();
  const visible = el => !!(el.offsetWidth || el.offsetHeight || el.getClientRects().length);
  let found;
  try {
    found = Array.from(document.querySelectorAll(css || "body *"));
  } catch (e) {
    return false;
  }
  if (text) {
    const want = norm(text);
    found = found.filter(el => norm(el.innerText || el.value || el.getAttribute("aria-label") || el.getAttribute("placeholder")).includes(want));
    found = found.filter(el => !found.some(o => o !== el && el.contains(o)));
  }
  const el = found.find(visible) || found[0];
  if (!el) return false;
  el.setAttribute(%[1]q, ref);
  return true;
})(%[2]s, %[3]s, %[4]s)`

const hoverScript = `(function(sel) {
  const el = document.querySelector(sel);
  if (!el) return false;
  for (const type of ["mouseover", "mouseenter", "mousemove"]) {
    el.dispatchEvent(new MouseEvent(type, {bubbles: true, cancelable: true, view: window}));
  }
  return true;
})(%s)`

const selectScript = `(function(sel, want) {
  const el = document.querySelector(sel);
  if (!el || !el.options) return false;
  const opt = Array.from(el.options).find(o => o.value === want || o.text.trim() === want);
  if (!opt) return false;
  el.value = opt.value;
  el.dispatchEvent(new Event("input", {bubbles: true}));
  el.dispatchEvent(new Event("change", {bubbles: true}));
  return true;
})(%s, %s)`

// locator resolves a Target into a CSS query plus a text filter.
func locator(t schemas.Target) (css, text string) {
	switch {
	case t.Selector != "":
		css, text = comparator.BrowserLocator(t.Selector)
		if text == "" {
			text = t.Text
		}
	case t.Text != "":
		text = t.Text
	default:
		text = t.Description
	}
	return css, text
}

func buildLocateScript(css, text, ref string) string {
	return fmt.Sprintf(locateScript, refAttr, jsString(css), jsString(text), jsString(ref))
}

func refSelector(ref schemas.ElementRef) string {
	return fmt.Sprintf(`[%s=%q]`, refAttr, ref.ID)
}

func jsString(s string) string {
	out, _ := json.MarshalToString(s)
	return out
}

var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
}

// keySequence maps a key name such as "Enter" onto the key code chromedp
// expects. Anything else is sent as literal text.
func keySequence(name string) string {
	if k, ok := namedKeys[strings.ToLower(strings.TrimSpace(name))]; ok {
		return k
	}
	return name
}

// scrollScript turns a scroll payload (up, down, top, bottom or a pixel
// offset) into a window scroll expression.
func scrollScript(payload string) string {
	switch p := strings.ToLower(strings.TrimSpace(payload)); p {
	case "", "down":
		return "window.scrollBy(0, window.innerHeight)"
	case "up":
		return "window.scrollBy(0, -window.innerHeight)"
	case "top":
		return "window.scrollTo(0, 0)"
	case "bottom":
		return "window.scrollTo(0, document.body.scrollHeight)"
	default:
		if px, err := strconv.Atoi(p); err == nil {
			return fmt.Sprintf("window.scrollBy(0, %d)", px)
		}
		return "window.scrollBy(0, window.innerHeight)"
	}
}
