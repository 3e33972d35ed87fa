package wire

import (
	"bytes"
	"strconv"
	"strings"
)

// state is the streaming parser's current position in the message
// grammar:
//
//	WaitingForHeaders → ParsingHeaders → WaitingForBody
//	                                   → WaitingForPatchHeaders ⇄ WaitingForPatchBody → SkippingSeparator
//	→ Complete | Error
type state int

const (
	stWaitingForHeaders state = iota
	stParsingHeaders
	stWaitingForBody
	stWaitingForPatchHeaders
	stWaitingForPatchBody
	stSkippingSeparator
	stError
)

// Parser is an incremental state machine that turns an arbitrary byte
// stream into a sequence of complete Updates. It never allocates per
// byte: bytes are appended to an internal growable buffer, consumed
// lines are sliced off its front, and each body or patch content is
// copied out into its own slice once complete.
type Parser struct {
	buf   []byte
	state state

	headers   Headers
	status    int
	hasStatus bool

	bodyLen    int
	hasBodyLen bool

	patchesExpected int
	patches         []Patch

	curPatchHeaders Headers
	curPatchLen     int

	err error
}

// NewParser creates a parser ready to receive its first frame.
func NewParser() *Parser {
	return &Parser{state: stWaitingForHeaders}
}

// Feed appends a chunk of bytes and returns every Update that becomes
// complete as a result. The returned Updates reference freshly
// allocated byte slices (headers map, body, patch content) that are
// safe for the caller to retain past the next Feed call.
func (p *Parser) Feed(chunk []byte) ([]*Update, error) {
	if p.state == stError {
		return nil, p.err
	}
	p.buf = append(p.buf, chunk...)

	var out []*Update
	for {
		progressed, msg, err := p.step()
		if err != nil {
			p.state = stError
			p.err = err
			return out, err
		}
		if msg != nil {
			out = append(out, msg)
			continue
		}
		if !progressed {
			return out, nil
		}
	}
}

// step attempts one state transition. It returns progressed=true if
// buffered data advanced the state machine, and msg!=nil when a
// complete Update was assembled (in which case the parser has already
// reset to stWaitingForHeaders, possibly having skipped keepalive
// blank lines).
func (p *Parser) step() (progressed bool, msg *Update, err error) {
	switch p.state {
	case stWaitingForHeaders:
		return p.stepWaitingForHeaders()
	case stParsingHeaders:
		return p.stepParsingHeaders()
	case stWaitingForBody:
		return p.stepWaitingForBody()
	case stWaitingForPatchHeaders:
		return p.stepWaitingForPatchHeaders()
	case stWaitingForPatchBody:
		return p.stepWaitingForPatchBody()
	case stSkippingSeparator:
		return p.stepSkippingSeparator()
	default:
		return false, nil, nil
	}
}

// nextLine returns the next line (without its terminator) and the
// number of bytes consumed including the terminator, supporting both
// "\r\n" and lone "\n". ok is false if no full line is buffered yet.
func nextLine(buf []byte) (line []byte, consumed int, ok bool) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return nil, 0, false
	}
	end := idx
	if end > 0 && buf[end-1] == '\r' {
		end--
	}
	return buf[:end], idx + 1, true
}

func (p *Parser) stepWaitingForHeaders() (bool, *Update, error) {
	// Leading blank lines between messages are keepalives: skip them.
	for {
		line, n, ok := nextLine(p.buf)
		if !ok {
			return false, nil, nil
		}
		if len(line) == 0 {
			p.buf = p.buf[n:]
			continue
		}
		p.headers = Headers{}
		p.status = 0
		p.hasStatus = false
		p.bodyLen = 0
		p.hasBodyLen = false
		p.patchesExpected = 0
		p.patches = nil

		if status, isStatus := parseStatusLine(string(line)); isStatus {
			p.status = status
			p.hasStatus = true
			p.buf = p.buf[n:]
		}
		p.state = stParsingHeaders
		return true, nil, nil
	}
}

func parseStatusLine(line string) (int, bool) {
	if !strings.HasPrefix(line, "HTTP/") {
		return 0, false
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

func (p *Parser) stepParsingHeaders() (bool, *Update, error) {
	for {
		line, n, ok := nextLine(p.buf)
		if !ok {
			return false, nil, nil
		}
		p.buf = p.buf[n:]
		if len(line) == 0 {
			// End of header block.
			if v, ok := p.headers.Get(HeaderPatches); ok {
				count, err := strconv.Atoi(strings.TrimSpace(v))
				if err != nil {
					return false, nil, &GrammarError{Field: HeaderPatches, Value: v, Reason: "not an integer"}
				}
				p.patchesExpected = count
				if count == 0 {
					return true, p.finish(), nil
				}
				p.state = stWaitingForPatchHeaders
				return true, nil, nil
			}
			if err := p.resolveBodyLength(); err != nil {
				return false, nil, err
			}
			p.state = stWaitingForBody
			return true, nil, nil
		}
		name, value, err := parseHeaderLine(string(line))
		if err != nil {
			return false, nil, err
		}
		p.headers.Set(name, value)
	}
}

func (p *Parser) resolveBodyLength() error {
	if v, ok := p.headers.Get(HeaderContentLength); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return &GrammarError{Field: HeaderContentLength, Value: v, Reason: "not an integer"}
		}
		p.bodyLen = n
		p.hasBodyLen = true
		return nil
	}
	if v, ok := p.headers.Get(HeaderLength); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return &GrammarError{Field: HeaderLength, Value: v, Reason: "not an integer"}
		}
		p.bodyLen = n
		p.hasBodyLen = true
		return nil
	}
	return nil
}

func parseHeaderLine(line string) (name, value string, err error) {
	// A pseudo-header like ":status" starts with a colon; its name
	// runs to the next colon.
	start := 0
	if strings.HasPrefix(line, ":") {
		start = 1
	}
	idx := strings.IndexByte(line[start:], ':')
	if idx < 0 {
		return "", "", &GrammarError{Field: "header", Value: line, Reason: "missing colon"}
	}
	idx += start
	name = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if name == "" {
		return "", "", &GrammarError{Field: "header", Value: line, Reason: "empty name"}
	}
	return name, value, nil
}

func (p *Parser) stepWaitingForBody() (bool, *Update, error) {
	if !p.hasBodyLen {
		// No body declared: this is a metadata-only frame.
		return true, p.finish(), nil
	}
	if len(p.buf) < p.bodyLen {
		return false, nil, nil
	}
	body := make([]byte, p.bodyLen)
	copy(body, p.buf[:p.bodyLen])
	p.buf = p.buf[p.bodyLen:]
	u := p.finish()
	u.Body = body
	u.HasBody = true
	return true, u, nil
}

func (p *Parser) stepWaitingForPatchHeaders() (bool, *Update, error) {
	if p.curPatchHeaders == nil {
		p.curPatchHeaders = Headers{}
		p.curPatchLen = -1
	}
	for {
		line, n, ok := nextLine(p.buf)
		if !ok {
			return false, nil, nil
		}
		p.buf = p.buf[n:]
		if len(line) == 0 {
			if p.curPatchLen < 0 {
				return false, nil, &GrammarError{Field: HeaderContentLength, Value: "", Reason: "missing per-patch Content-Length"}
			}
			p.state = stWaitingForPatchBody
			return true, nil, nil
		}
		name, value, err := parseHeaderLine(string(line))
		if err != nil {
			return false, nil, err
		}
		p.curPatchHeaders.Set(name, value)
		if strings.EqualFold(name, HeaderContentLength) {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return false, nil, &GrammarError{Field: HeaderContentLength, Value: value, Reason: "not an integer"}
			}
			p.curPatchLen = n
		}
	}
}

func (p *Parser) stepWaitingForPatchBody() (bool, *Update, error) {
	if len(p.buf) < p.curPatchLen {
		return false, nil, nil
	}
	content := make([]byte, p.curPatchLen)
	copy(content, p.buf[:p.curPatchLen])
	p.buf = p.buf[p.curPatchLen:]

	unit, rng, err := parseContentRange(p.curPatchHeaders)
	if err != nil {
		return false, nil, err
	}
	p.patches = append(p.patches, Patch{Unit: unit, Range: rng, Content: content})
	p.curPatchHeaders = nil
	p.curPatchLen = -1

	p.state = stSkippingSeparator
	return true, nil, nil
}

func parseContentRange(h Headers) (unit, rng string, err error) {
	v, ok := h.Get(HeaderContentRange)
	if !ok {
		return "", "", nil
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return "", "", &GrammarError{Field: HeaderContentRange, Value: v, Reason: "expected '<unit> <range>'"}
	}
	return parts[0], parts[1], nil
}

func (p *Parser) stepSkippingSeparator() (bool, *Update, error) {
	line, n, ok := nextLine(p.buf)
	if !ok {
		return false, nil, nil
	}
	if len(line) != 0 {
		return false, nil, &GrammarError{Field: "patch-separator", Value: string(line), Reason: "expected blank line between patch records"}
	}
	p.buf = p.buf[n:]
	if len(p.patches) < p.patchesExpected {
		p.state = stWaitingForPatchHeaders
		return true, nil, nil
	}
	return true, p.finish(), nil
}

// finish assembles the Update from accumulated header/patch state and
// resets the parser to await the next frame.
func (p *Parser) finish() *Update {
	u := &Update{
		ExtraHeaders: map[string]string{},
		Status:       p.status,
	}
	for k, v := range p.headers {
		switch k {
		case HeaderVersion:
			vs, _ := ParseVersionList(v)
			u.Version = vs
		case HeaderParents:
			vs, _ := ParseVersionList(v)
			u.Parents = vs
		case HeaderCurrentVersion:
			vs, _ := ParseVersionList(v)
			u.CurrentVersion = vs
		case HeaderMergeType:
			u.MergeType = v
		case HeaderContentType:
			u.ContentType = v
		case HeaderStatusPseudo:
			if n, err := strconv.Atoi(v); err == nil {
				u.Status = n
			}
		case HeaderPatches, HeaderContentLength, HeaderLength:
			// consumed structurally, not surfaced as extra headers
		default:
			u.ExtraHeaders[k] = v
		}
	}
	if len(p.patches) > 0 {
		u.Patches = p.patches
	}

	p.headers = nil
	p.patches = nil
	p.patchesExpected = 0
	p.bodyLen = 0
	p.hasBodyLen = false
	p.state = stWaitingForHeaders
	return u
}
