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

package processor

import (
	"fmt"
	"strings"
	"time"

	"github.com/23f3003674/TDS-PROJECT-1/src/githosting"
	"github.com/23f3003674/TDS-PROJECT-1/src/model"
)

// commitFiles assembles the file set for one round. Round 1 seeds the
// repository with README and LICENSE; later rounds refresh the page and
// README and add an update log.
func commitFiles(rec *model.TaskRecord, repo githosting.Repo, artifact string) map[string]string {
	files := map[string]string{
		"index.html": artifact,
		"README.md":  renderReadme(rec, repo),
	}
	if rec.Round == 1 {
		files["LICENSE"] = mitLicense(time.Now().UTC().Year())
	} else {
		files["round2-updates.md"] = renderRoundNotes(rec)
	}
	return files
}

func commitMessage(rec *model.TaskRecord) string {
	brief := rec.Brief
	if len(brief) > 50 {
		brief = brief[:50]
	}
	return fmt.Sprintf("Round %d: %s", rec.Round, brief)
}

func renderReadme(rec *model.TaskRecord, repo githosting.Repo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# TDS Project: %s\n\n", rec.TaskName)
	fmt.Fprintf(&b, "## Task Details\n\n")
	fmt.Fprintf(&b, "- **Task ID**: %s\n", rec.TaskName)
	fmt.Fprintf(&b, "- **Current Round**: %d\n", rec.Round)
	fmt.Fprintf(&b, "- **Nonce**: %s\n\n", rec.Nonce)
	fmt.Fprintf(&b, "## Round %d Brief\n\n%s\n\n", rec.Round, rec.Brief)
	b.WriteString("## Implementation\n\n")
	b.WriteString("This project was automatically generated by an LLM-powered code generation system with a deterministic fallback.\n\n")
	fmt.Fprintf(&b, "## Deployment\n\n- **Repository**: %s\n- **GitHub Pages**: live at the Pages URL\n\n", repo.HTMLURL)
	b.WriteString("## Development History\n\n- **Round 1**: Initial implementation\n")
	if rec.Round > 1 {
		fmt.Fprintf(&b, "- **Round %d**: Regenerated over the existing repository\n", rec.Round)
	}
	b.WriteString("\n## License\n\nMIT License - see LICENSE file\n\n")
	fmt.Fprintf(&b, "Last updated: %s UTC\n", time.Now().UTC().Format("2006-01-02 15:04:05"))
	return b.String()
}

func renderRoundNotes(rec *model.TaskRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Round %d Updates\n\n", rec.Round)
	fmt.Fprintf(&b, "**Updated on:** %s UTC\n\n", time.Now().UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "## Round %d Task Brief\n\n%s\n\n", rec.Round, rec.Brief)
	fmt.Fprintf(&b, "The main `index.html` has been regenerated for round %d.\n\n", rec.Round)
	fmt.Fprintf(&b, "- **Task ID**: %s\n- **Round**: %d\n- **Nonce**: %s\n", rec.TaskName, rec.Round, rec.Nonce)
	return b.String()
}

func mitLicense(year int) string {
	return fmt.Sprintf(`MIT License

Copyright (c) %d 23f3003674

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
`, year)
}
