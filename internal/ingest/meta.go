package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/entitylink/internal/model"
)

// ParseMeta decodes the crawl "meta" column into page metadata and social
// links. The column holds either a JSON object or a Python dict repr
// (single-quoted strings, None/True/False). Keys other than the known
// metadata fields and social platforms are ignored, as are non-string
// values.
func ParseMeta(s string) (model.PageMeta, map[string]string, error) {
	var meta model.PageMeta
	s = strings.TrimSpace(s)
	if s == "" || isNull(s) {
		return meta, nil, nil
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		converted, cerr := pythonToJSON(s)
		if cerr != nil {
			return meta, nil, fmt.Errorf("invalid meta: %w", cerr)
		}
		if err := json.Unmarshal([]byte(converted), &raw); err != nil {
			return meta, nil, fmt.Errorf("invalid meta: %w", err)
		}
	}

	str := func(key string) *string {
		v, ok := raw[key].(string)
		if !ok {
			return nil
		}
		v = strings.TrimSpace(v)
		if v == "" {
			return nil
		}
		return &v
	}

	meta = model.PageMeta{
		Title:              str("title"),
		Description:        str("description"),
		Keywords:           str("keywords"),
		OGTitle:            str("og_title"),
		OGDescription:      str("og_description"),
		OGSiteName:         str("og_site_name"),
		TwitterTitle:       str("twitter_title"),
		TwitterDescription: str("twitter_description"),
		Canonical:          str("canonical"),
		H1:                 str("h1"),
		Language:           str("language"),
	}

	var social map[string]string
	for _, platform := range model.SocialPlatforms {
		if v := str(platform); v != nil {
			if social == nil {
				social = make(map[string]string)
			}
			social[platform] = *v
		}
	}
	return meta, social, nil
}

// pythonToJSON rewrites a Python literal (dicts, lists, strings, numbers,
// None/True/False) as JSON.
func pythonToJSON(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\'' || c == '"':
			str, n, err := readPyString(s[i:])
			if err != nil {
				return "", err
			}
			enc, err := json.Marshal(str)
			if err != nil {
				return "", err
			}
			b.Write(enc)
			i += n
		case c >= '0' && c <= '9':
			j := i
			for j < len(s) && strings.IndexByte("0123456789.eE+-", s[j]) >= 0 {
				j++
			}
			b.WriteString(s[i:j])
			i = j
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
			j := i
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			switch word := s[i:j]; word {
			case "None", "nan":
				b.WriteString("null")
			case "True":
				b.WriteString("true")
			case "False":
				b.WriteString("false")
			default:
				return "", fmt.Errorf("unexpected token %q at offset %d", word, i)
			}
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// readPyString decodes the quoted string at the start of s and returns it
// with the number of bytes consumed.
func readPyString(s string) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		if c == quote {
			return b.String(), i + 1, nil
		}
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			break
		}
		switch e := s[i]; e {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '\\', '\'', '"':
			b.WriteByte(e)
		case 'x', 'u', 'U':
			width := 2
			switch e {
			case 'u':
				width = 4
			case 'U':
				width = 8
			}
			if i+width >= len(s) {
				return "", 0, fmt.Errorf("truncated escape in string")
			}
			r, err := strconv.ParseUint(s[i+1:i+1+width], 16, 32)
			if err != nil {
				return "", 0, fmt.Errorf("invalid escape \\%c%s", e, s[i+1:i+1+width])
			}
			b.WriteRune(rune(r))
			i += width
		default:
			b.WriteByte('\\')
			b.WriteByte(e)
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}
