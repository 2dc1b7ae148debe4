package service

import (
	"fmt"
	"html"
	"io"
	"strings"

	"webproxy-go/internal/client"
)

// WriteError sends a complete HTTP/1.0 error response with a small HTML body
// to w. The cause is usually client-supplied and is escaped.
func WriteError(w io.Writer, cause string, code int, shortMsg, longMsg string) error {
	body := renderErrorBody(cause, code, shortMsg, longMsg)

	var head strings.Builder
	fmt.Fprintf(&head, "HTTP/1.0 %d %s\r\n", code, shortMsg)
	head.WriteString("Content-type: text/html\r\n")
	fmt.Fprintf(&head, "Content-length: %d\r\n\r\n", len(body))

	if err := client.WriteFull(w, []byte(head.String())); err != nil {
		return fmt.Errorf("write error headers: %w", err)
	}
	if err := client.WriteFull(w, []byte(body)); err != nil {
		return fmt.Errorf("write error body: %w", err)
	}
	return nil
}

func renderErrorBody(cause string, code int, shortMsg, longMsg string) string {
	var b strings.Builder
	b.WriteString("<html><title>Proxy Error</title>")
	b.WriteString("<body bgcolor=\"ffffff\">\r\n")
	fmt.Fprintf(&b, "%d : %s\r\n", code, html.EscapeString(shortMsg))
	fmt.Fprintf(&b, "<p>%s : %s\r\n", html.EscapeString(longMsg), html.EscapeString(cause))
	b.WriteString("<hr><em>webproxy</em>\r\n")
	b.WriteString("</body></html>\r\n")
	return b.String()
}
