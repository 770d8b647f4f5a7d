package detector

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
)

var (
	profileIdentifierRe = regexp.MustCompile(`profileIdentifier:\s*(\S+)`)
	profileCountRe      = regexp.MustCompile(`There (?:are|is) (\d+|no) (?:\w+ )?configuration profiles? installed`)
)

// ParseProfileList parses the text output of `profiles list -all`.
// Identifiers are returned in first-seen order without duplicates. Output
// such as "There are no configuration profiles installed" yields zero. When
// the output carries count lines their total is authoritative.
func ParseProfileList(output string) *models.ProfileList {
	list := &models.ProfileList{Raw: output, Identifiers: []string{}}

	seen := make(map[string]bool)
	count := -1

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if m := profileCountRe.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				n = 0 // "no"
			}
			if count < 0 {
				count = 0
			}
			count += n
			continue
		}

		if m := profileIdentifierRe.FindStringSubmatch(line); m != nil {
			id := m[1]
			if !seen[id] {
				seen[id] = true
				list.Identifiers = append(list.Identifiers, id)
			}
		}
	}

	if count < 0 {
		count = len(list.Identifiers)
	} else {
		list.CountReported = true
	}
	list.Count = count
	return list
}
