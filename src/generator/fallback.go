// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package generator

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/23f3003674/TDS-PROJECT-1/src/model"
)

// selfClosing tags cannot carry text content.
var selfClosing = map[string]bool{"input": true, "img": true, "hr": true, "br": true}

// renderableTags limits which tag names mined from the brief are emitted
// as-is; anything else becomes a div so the document stays well formed.
var renderableTags = map[string]bool{
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"p": true, "div": true, "span": true, "button": true, "a": true,
	"input": true, "form": true, "select": true, "table": true,
	"textarea": true, "ul": true, "ol": true, "li": true, "pre": true,
	"output": true, "label": true, "section": true,
}

type element struct {
	Tag string
	ID  string
}

// parseElements extracts "tag#id" tokens from the brief plus bare "#id"
// tokens from brief and checks, preserving first-seen order.
func parseElements(brief string, checks []model.Check) []element {
	var elements []element
	seen := make(map[string]struct{})

	for _, m := range taggedIDRe.FindAllStringSubmatch(brief, -1) {
		tag, id := strings.ToLower(m[1]), m[2]
		if !renderableTags[tag] {
			tag = "div"
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		elements = append(elements, element{Tag: tag, ID: id})
	}

	for _, id := range RequiredElementIDs(brief, checks) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		elements = append(elements, element{Tag: "div", ID: id})
	}
	return elements
}

var titleRe = regexp.MustCompile(`(?i)title[^"']*["']([^"']+)["']`)

// FallbackHTML is the deterministic template generator. It must produce a
// syntactically valid, self-contained document for any input and never
// touch the network at render time.
func FallbackHTML(brief string, attachments map[string]string, checks []model.Check, taskID string) string {
	title := taskID
	if title == "" {
		title = "Task"
	}
	if m := titleRe.FindStringSubmatch(brief); m != nil {
		title = m[1]
	}

	elements := parseElements(brief, checks)

	var head, body, script strings.Builder
	head.WriteString(`<link href="https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css" rel="stylesheet">`)

	body.WriteString(`<div class="container py-4">` + "\n")
	hasH1 := false
	for _, el := range elements {
		if el.Tag == "h1" {
			hasH1 = true
		}
	}
	if !hasH1 {
		fmt.Fprintf(&body, "<h1>%s</h1>\n", html.EscapeString(title))
	}

	for _, el := range elements {
		writeElement(&body, el, title)
	}

	csvName, csvData := firstWithSuffix(attachments, ".csv")
	_, mdData := firstWithSuffix(attachments, ".md")

	switch {
	case csvData != "":
		writeCSVSection(&body, &script, csvName, csvData, elements)
	case mdData != "":
		head.WriteString("\n" + `<script src="https://cdn.jsdelivr.net/npm/marked/marked.min.js"></script>`)
		writeMarkdownSection(&body, &script, mdData)
	default:
		fmt.Fprintf(&body, `<p class="text-muted mt-4">%s</p>`+"\n", html.EscapeString(truncate(brief, 500)))
	}

	body.WriteString("</div>")

	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>%s</title>
%s
</head>
<body>
%s
<script>
document.addEventListener('DOMContentLoaded', function() {
%s
});
</script>
</body>
</html>`, html.EscapeString(title), head.String(), body.String(), script.String())
}

func writeElement(body *strings.Builder, el element, title string) {
	id := html.EscapeString(el.ID)
	switch {
	case selfClosing[el.Tag]:
		fmt.Fprintf(body, `<input id="%s" class="form-control mb-3">`+"\n", id)
	case el.Tag == "button":
		fmt.Fprintf(body, `<button id="%s" type="button" class="btn btn-primary mb-3">%s</button>`+"\n", id, id)
	case el.Tag == "form":
		fmt.Fprintf(body, `<form id="%s" class="mb-3"><input name="q" class="form-control mb-2"><button type="submit" class="btn btn-primary">Submit</button></form>`+"\n", id)
	case el.Tag == "select":
		fmt.Fprintf(body, `<select id="%s" class="form-select mb-3"><option value="all">All</option></select>`+"\n", id)
	case el.Tag == "table":
		fmt.Fprintf(body, `<table id="%s" class="table table-striped"><thead><tr></tr></thead><tbody></tbody></table>`+"\n", id)
	case strings.HasPrefix(el.Tag, "h"):
		fmt.Fprintf(body, `<%s id="%s">%s</%s>`+"\n", el.Tag, id, html.EscapeString(title), el.Tag)
	default:
		fmt.Fprintf(body, `<%s id="%s">%s</%s>`+"\n", el.Tag, id, id, el.Tag)
	}
}

// escapeJSLiteral makes content safe inside a backquoted JS template
// literal.
func escapeJSLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "`", "\\`")
	s = strings.ReplaceAll(s, "${", "\\${")
	s = strings.ReplaceAll(s, "</script", "<\\/script")
	return s
}

func firstWithSuffix(attachments map[string]string, suffix string) (string, string) {
	for _, name := range sortedKeys(attachments) {
		if strings.HasSuffix(strings.ToLower(name), suffix) {
			return name, attachments[name]
		}
	}
	return "", ""
}

func pickID(elements []element, fallback string, needles ...string) string {
	for _, el := range elements {
		for _, n := range needles {
			if strings.Contains(el.ID, n) {
				return el.ID
			}
		}
	}
	return fallback
}

func hasID(elements []element, id string) bool {
	for _, el := range elements {
		if el.ID == id {
			return true
		}
	}
	return false
}

func writeCSVSection(body, script *strings.Builder, name, data string, elements []element) {
	totalID := pickID(elements, "total-sales", "total", "sum")
	tableID := pickID(elements, "data-table", "table", "product")
	filterID := pickID(elements, "", "filter", "region")

	if !hasID(elements, totalID) {
		fmt.Fprintf(body, `<div class="alert alert-info">Total: $<span id="%s">0.00</span></div>`+"\n", html.EscapeString(totalID))
	}
	if filterID != "" && !hasID(elements, filterID) {
		fmt.Fprintf(body, `<select id="%s" class="form-select mb-3"><option value="all">All</option></select>`+"\n", html.EscapeString(filterID))
	}
	if !hasID(elements, tableID) {
		fmt.Fprintf(body, `<table id="%s" class="table table-striped"><thead><tr></tr></thead><tbody></tbody></table>`+"\n", html.EscapeString(tableID))
	}
	fmt.Fprintf(body, `<small class="text-muted">Data: %s</small>`+"\n", html.EscapeString(name))

	filterJS := "''"
	if filterID != "" {
		filterJS = "'" + filterID + "'"
	}
	fmt.Fprintf(script, `
const csvData = %s;
const rows = csvData.trim().split('\n').filter(function(l) { return l.trim(); });
const headers = rows.length ? rows[0].split(',').map(function(h) { return h.trim().toLowerCase(); }) : [];
const records = rows.slice(1).map(function(line) {
  const values = line.split(',').map(function(v) { return v.trim(); });
  const rec = {};
  headers.forEach(function(h, i) { rec[h] = values[i] || ''; });
  return rec;
});
const numericCol = headers.find(function(h) {
  return ['sales', 'amount', 'price', 'value', 'total'].indexOf(h) !== -1;
}) || headers[headers.length - 1];

function render(region) {
  let visible = records;
  if (region && region !== 'all') {
    visible = records.filter(function(r) { return (r.region || '') === region; });
  }
  const total = visible.reduce(function(sum, r) {
    return sum + (parseFloat(r[numericCol]) || 0);
  }, 0);
  const totalEl = document.getElementById(%q);
  if (totalEl) { totalEl.textContent = total.toFixed(2); }
  const table = document.getElementById(%q);
  if (table) {
    const headRow = table.querySelector('thead tr');
    headRow.innerHTML = '';
    headers.forEach(function(h) {
      const th = document.createElement('th');
      th.textContent = h;
      headRow.appendChild(th);
    });
    const tbody = table.querySelector('tbody');
    tbody.innerHTML = '';
    visible.forEach(function(r) {
      const tr = tbody.insertRow();
      headers.forEach(function(h) { tr.insertCell().textContent = r[h]; });
    });
  }
}

const filterId = %s;
const filter = filterId ? document.getElementById(filterId) : null;
if (filter && headers.indexOf('region') !== -1) {
  const regions = records.map(function(r) { return r.region; }).filter(function(v, i, a) {
    return v && a.indexOf(v) === i;
  });
  regions.forEach(function(region) {
    const opt = document.createElement('option');
    opt.value = region;
    opt.textContent = region;
    filter.appendChild(opt);
  });
  filter.addEventListener('change', function() { render(this.value); });
}
render('all');
`, "`"+escapeJSLiteral(data)+"`", totalID, tableID, filterJS)
}

func writeMarkdownSection(body, script *strings.Builder, data string) {
	body.WriteString(`<div id="markdown-output"></div>` + "\n")
	body.WriteString(`<pre id="markdown-source" style="display:none"></pre>` + "\n")

	fmt.Fprintf(script, `
const markdownContent = %s;
const output = document.getElementById('markdown-output');
if (typeof marked !== 'undefined') {
  output.innerHTML = marked.parse(markdownContent);
} else {
  output.textContent = markdownContent;
}
document.getElementById('markdown-source').textContent = markdownContent;
`, "`"+escapeJSLiteral(data)+"`")
}
