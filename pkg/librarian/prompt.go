// Copyright 2025 AgentOS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package librarian

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/dullfig/AgentOS/pkg/kernel"
)

// buildCurationPrompt renders the <CurationRequest> prompt of spec §6.3.
func buildCurationPrompt(segments []kernel.Segment, incoming []string, budget int64) string {
	var active, shelved int
	var activeBytes, totalBytes int64
	for _, s := range segments {
		totalBytes += s.Size
		if s.Status == kernel.Active {
			active++
			activeBytes += s.Size
		} else {
			shelved++
		}
	}

	var b strings.Builder
	b.WriteString("<CurationRequest><token_budget>")
	b.WriteString(strconv.FormatInt(budget, 10))
	b.WriteString("</token_budget><incoming_messages>")
	for _, m := range incoming {
		b.WriteString("<message>")
		xml.EscapeText(&b, []byte(m))
		b.WriteString("</message>")
	}
	b.WriteString("</incoming_messages><inventory>")
	for _, s := range segments {
		fmt.Fprintf(&b, "<segment id=%q tag=%q size=%d status=%q relevance=%.2f/>",
			s.ID, s.Tag, s.Size, s.Status.String(), s.Relevance)
	}
	fmt.Fprintf(&b, "</inventory><summary active=%d shelved=%d active_bytes=%d total_bytes=%d/></CurationRequest>",
		active, shelved, activeBytes, totalBytes)
	return b.String()
}

// curationDecision is the parsed <CurationDecision> response.
type curationDecision struct {
	PageIn  []string
	PageOut []string
}

type xmlCurationDecision struct {
	XMLName xml.Name `xml:"CurationDecision"`
	PageIn  struct {
		Segments []struct {
			ID string `xml:"id,attr"`
		} `xml:"segment"`
	} `xml:"page_in"`
	PageOut struct {
		Segments []struct {
			ID string `xml:"id,attr"`
		} `xml:"segment"`
	} `xml:"page_out"`
}

// parseCurationDecision parses the LLM's <CurationDecision> response.
// Returns ok=false on any malformed or absent document, which callers
// treat as "graceful degradation: keep the current Active set."
func parseCurationDecision(text string) (curationDecision, bool) {
	var doc xmlCurationDecision
	if err := xml.Unmarshal([]byte(extractXML(text)), &doc); err != nil {
		return curationDecision{}, false
	}
	var d curationDecision
	for _, s := range doc.PageIn.Segments {
		d.PageIn = append(d.PageIn, s.ID)
	}
	for _, s := range doc.PageOut.Segments {
		d.PageOut = append(d.PageOut, s.ID)
	}
	return d, true
}

// extractXML strips a surrounding markdown code fence the LLM may have
// added, mirroring the Router's form-fill cleanup (spec §4.6's
// "strip code-fence markers" applies equally well to curation output).
func extractXML(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```xml")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
