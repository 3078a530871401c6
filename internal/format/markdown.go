// ABOUTME: Converts assistant Markdown replies into chat-platform markup
// ABOUTME: Slack mrkdwn via a goldmark AST walk, Matrix HTML via the goldmark renderer

package format

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
)

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func parser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
	})
	return markdown
}

// HTML renders Markdown as HTML. Raw HTML in the input is not passed through.
func HTML(input string) (string, error) {
	var buf bytes.Buffer
	if err := parser().Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// Mrkdwn renders Markdown as Slack mrkdwn.
func Mrkdwn(input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}
	source := []byte(input)
	doc := parser().Parser().Parse(text.NewReader(source))

	w := &mrkdwnWriter{source: source}
	_ = ast.Walk(doc, w.walk)
	return strings.Trim(w.out.String(), "\n")
}

type listState struct {
	ordered bool
	next    int
}

type mrkdwnWriter struct {
	source []byte
	out    strings.Builder
	lists  []listState
	quote  int
}

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func (w *mrkdwnWriter) write(s string) {
	w.out.WriteString(s)
}

func (w *mrkdwnWriter) writeText(s string) {
	w.out.WriteString(slackEscaper.Replace(s))
}

// breakLines makes the output end with at least n newlines.
func (w *mrkdwnWriter) breakLines(n int) {
	s := w.out.String()
	if s == "" {
		return
	}
	have := len(s) - len(strings.TrimRight(s, "\n"))
	for ; have < n; have++ {
		w.out.WriteByte('\n')
	}
}

// startBlock separates a new block from what came before it.
func (w *mrkdwnWriter) startBlock(n ast.Node) {
	if _, inItem := n.Parent().(*ast.ListItem); inItem {
		if n.PreviousSibling() != nil {
			w.breakLines(1)
			w.write(w.indent())
		}
		return
	}
	if w.quote > 0 {
		w.breakLines(1)
		w.write("> ")
		return
	}
	w.breakLines(2)
}

func (w *mrkdwnWriter) indent() string {
	if len(w.lists) <= 1 {
		return "   "
	}
	return strings.Repeat("   ", len(w.lists))
}

func (w *mrkdwnWriter) newline() {
	w.write("\n")
	if w.quote > 0 {
		w.write("> ")
	}
}

func (w *mrkdwnWriter) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Document:

	case *ast.Paragraph, *ast.TextBlock:
		if entering {
			w.startBlock(n)
		}

	case *ast.Heading:
		if entering {
			w.startBlock(n)
			w.write("*")
			w.writeText(plainText(node, w.source))
			w.write("*")
		}
		return ast.WalkSkipChildren, nil

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			w.startBlock(n)
			w.write("```\n")
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				w.writeText(string(seg.Value(w.source)))
			}
			w.breakLines(1)
			w.write("```")
		}
		return ast.WalkSkipChildren, nil

	case *ast.Blockquote:
		if entering {
			w.breakLines(2)
			w.quote++
		} else {
			w.quote--
		}

	case *ast.List:
		if entering {
			if _, nested := n.Parent().(*ast.ListItem); nested {
				w.breakLines(1)
			} else {
				w.breakLines(2)
			}
			w.lists = append(w.lists, listState{ordered: node.IsOrdered(), next: node.Start})
		} else {
			w.lists = w.lists[:len(w.lists)-1]
		}

	case *ast.ListItem:
		if entering {
			w.breakLines(1)
			depth := len(w.lists)
			w.write(strings.Repeat("   ", depth-1))
			top := &w.lists[depth-1]
			if top.ordered {
				w.write(fmt.Sprintf("%d. ", top.next))
				top.next++
			} else {
				w.write("• ")
			}
		}

	case *ast.ThematicBreak:
		if entering {
			w.startBlock(n)
			w.write("──────────")
		}

	case *ast.HTMLBlock:
		if entering {
			w.startBlock(n)
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				w.writeText(string(seg.Value(w.source)))
			}
		}
		return ast.WalkSkipChildren, nil

	case *ast.Text:
		if entering {
			w.writeText(string(node.Segment.Value(w.source)))
			if node.SoftLineBreak() || node.HardLineBreak() {
				w.newline()
			}
		}

	case *ast.String:
		if entering {
			w.writeText(string(node.Value))
		}

	case *ast.Emphasis:
		if node.Level >= 2 {
			w.write("*")
		} else {
			w.write("_")
		}

	case *extast.Strikethrough:
		w.write("~")

	case *ast.CodeSpan:
		w.write("`")

	case *ast.Link:
		if entering {
			w.writeLink(string(node.Destination), plainText(node, w.source))
		}
		return ast.WalkSkipChildren, nil

	case *ast.Image:
		if entering {
			w.writeLink(string(node.Destination), plainText(node, w.source))
		}
		return ast.WalkSkipChildren, nil

	case *ast.AutoLink:
		if entering {
			url := string(node.URL(w.source))
			if node.AutoLinkType == ast.AutoLinkEmail && !strings.HasPrefix(url, "mailto:") {
				w.write("<mailto:" + url + "|" + slackEscaper.Replace(url) + ">")
			} else {
				w.writeLink(url, "")
			}
		}
		return ast.WalkSkipChildren, nil

	case *ast.RawHTML:
		if entering {
			for i := 0; i < node.Segments.Len(); i++ {
				seg := node.Segments.At(i)
				w.writeText(string(seg.Value(w.source)))
			}
		}
		return ast.WalkSkipChildren, nil

	case *extast.TaskCheckBox:
		if entering {
			if node.IsChecked {
				w.write("☑ ")
			} else {
				w.write("☐ ")
			}
		}

	case *extast.Table:
		if entering {
			w.startBlock(n)
		}

	case *extast.TableHeader, *extast.TableRow:
		if entering {
			w.breakLines(1)
		}

	case *extast.TableCell:
		if entering && n.PreviousSibling() != nil {
			w.write(" | ")
		}
		if _, header := n.Parent().(*extast.TableHeader); header {
			w.write("*")
		}
	}

	return ast.WalkContinue, nil
}

func (w *mrkdwnWriter) writeLink(dest, label string) {
	if label == "" || label == dest {
		w.write("<" + dest + ">")
		return
	}
	// Slack ends the label at the first '>' so it must stay escaped
	w.write("<" + dest + "|" + slackEscaper.Replace(label) + ">")
}

// plainText concatenates the text content under n, dropping markup.
func plainText(n ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}
