package board

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopherpi/internal/elfimage"
	"gopherpi/kernel/mm"
)

// TextBase is the address programs are linked at. The data section starts
// at the first page boundary after the text.
const TextBase = 0x400000

// EntrySymbol names the entry point of a program. Programs without it start
// at TextBase.
const EntrySymbol = "_start"

// ErrSyntax is wrapped by every assembler error.
var ErrSyntax = errors.New("syntax error")

// Program is an assembled user program.
type Program struct {
	Entry    uint64
	Text     []byte
	DataBase uint64
	Data     []byte
	Symbols  map[string]uint64
}

// ELF returns the program as an executable image.
func (p *Program) ELF() []byte {
	img := &elfimage.Image{
		Entry:    p.Entry,
		Segments: []elfimage.Segment{{Vaddr: TextBase, Flags: elf.PF_R | elf.PF_X, Data: p.Text}},
	}
	if len(p.Data) != 0 {
		img.Segments = append(img.Segments, elfimage.Segment{Vaddr: p.DataBase, Flags: elf.PF_R | elf.PF_W, Data: p.Data})
	}
	return img.Bytes()
}

type section uint8

const (
	sectionText section = iota
	sectionData
)

type symbol struct {
	section section
	offset  uint64
}

type statement struct {
	line    int
	section section
	offset  uint64
	size    uint64
	op      string
	args    []string
}

type assembler struct {
	statements []statement
	symbols    map[string]symbol
	sizes      [2]uint64
	bases      [2]uint64
}

// Assemble translates source into a Program. Each line holds an optional
// "label:" followed by an instruction or a directive. Comments start with
// "//" or ";".
func Assemble(source string) (*Program, error) {
	a := &assembler{symbols: make(map[string]symbol)}
	if err := a.scan(source); err != nil {
		return nil, err
	}
	if a.sizes[sectionText] == 0 {
		return nil, fmt.Errorf("%w: program has no instructions", ErrSyntax)
	}

	a.bases[sectionText] = TextBase
	a.bases[sectionData] = uint64(mm.PageAlignUp(uintptr(TextBase + a.sizes[sectionText])))

	out := [2][]byte{make([]byte, a.sizes[sectionText]), make([]byte, a.sizes[sectionData])}
	for _, st := range a.statements {
		buf := out[st.section][st.offset : st.offset+st.size]
		if err := a.emit(st, buf); err != nil {
			return nil, fmt.Errorf("line %d: %w", st.line, err)
		}
	}

	p := &Program{
		Entry:    TextBase,
		Text:     out[sectionText],
		DataBase: a.bases[sectionData],
		Data:     out[sectionData],
		Symbols:  make(map[string]uint64, len(a.symbols)),
	}
	for name := range a.symbols {
		p.Symbols[name] = a.address(name)
	}
	if entry, ok := p.Symbols[EntrySymbol]; ok {
		p.Entry = entry
	}
	return p, nil
}

// scan splits the source into statements, records labels and sizes every
// statement.
func (a *assembler) scan(source string) error {
	cur := sectionText

	for i, line := range strings.Split(source, "\n") {
		lineNo := i + 1
		line = strings.TrimSpace(stripComment(line))

		for {
			colon := strings.IndexByte(line, ':')
			if colon < 0 || strings.ContainsAny(line[:colon], " \t\"") {
				break
			}
			name := line[:colon]
			if _, exists := a.symbols[name]; exists {
				return fmt.Errorf("line %d: %w: duplicate label %q", lineNo, ErrSyntax, name)
			}
			a.symbols[name] = symbol{section: cur, offset: a.sizes[cur]}
			line = strings.TrimSpace(line[colon+1:])
		}
		if line == "" {
			continue
		}

		op, rest := line, ""
		if n := strings.IndexAny(line, " \t"); n >= 0 {
			op, rest = line[:n], line[n+1:]
		}
		op = strings.ToLower(op)
		args := splitArgs(rest)

		switch op {
		case ".text":
			cur = sectionText
			continue
		case ".data":
			cur = sectionData
			continue
		}

		st := statement{line: lineNo, section: cur, offset: a.sizes[cur], op: op, args: args}
		size, err := statementSize(st)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if cur == sectionText && !strings.HasPrefix(op, ".") && st.offset%insnSize != 0 {
			return fmt.Errorf("line %d: %w: misaligned instruction", lineNo, ErrSyntax)
		}

		st.size = size
		a.statements = append(a.statements, st)
		a.sizes[cur] += size
	}

	return nil
}

func (a *assembler) address(name string) uint64 {
	sym := a.symbols[name]
	return a.bases[sym.section] + sym.offset
}

func statementSize(st statement) (uint64, error) {
	switch st.op {
	case ".asciz", ".ascii":
		if len(st.args) != 1 {
			return 0, fmt.Errorf("%w: %s takes one string", ErrSyntax, st.op)
		}
		s, err := strconv.Unquote(st.args[0])
		if err != nil {
			return 0, fmt.Errorf("%w: bad string %s", ErrSyntax, st.args[0])
		}
		if st.op == ".asciz" {
			return uint64(len(s)) + 1, nil
		}
		return uint64(len(s)), nil
	case ".quad":
		return 8 * uint64(len(st.args)), nil
	case ".byte":
		return uint64(len(st.args)), nil
	case ".space":
		n, err := parseDirectiveNumber(st.args, 1<<20)
		return n, err
	case ".align":
		n, err := parseDirectiveNumber(st.args, 12)
		if err != nil {
			return 0, err
		}
		align := uint64(1) << n
		return (align - st.offset%align) % align, nil
	case "mov":
		if len(st.args) == 2 && strings.HasPrefix(st.args[1], "#") {
			imm, err := parseImm(st.args[1])
			if err != nil {
				return 0, err
			}
			return insnSize * uint64(len(moveChunks(uint64(imm)))), nil
		}
	}

	if strings.HasPrefix(st.op, ".") {
		return 0, fmt.Errorf("%w: unknown directive %s", ErrSyntax, st.op)
	}
	return insnSize, nil
}

// emit encodes st into buf.
func (a *assembler) emit(st statement, buf []byte) error {
	switch st.op {
	case ".asciz", ".ascii":
		s, _ := strconv.Unquote(st.args[0])
		copy(buf, s)
		return nil
	case ".quad":
		for i, arg := range st.args {
			v, err := a.value(arg)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(buf[i*8:], v)
		}
		return nil
	case ".byte":
		for i, arg := range st.args {
			v, err := a.value(arg)
			if err != nil || v > 0xff {
				return fmt.Errorf("%w: bad byte %q", ErrSyntax, arg)
			}
			buf[i] = byte(v)
		}
		return nil
	case ".space", ".align":
		return nil
	case "mov":
		return a.emitMove(st, buf)
	}

	if st.section != sectionText {
		return fmt.Errorf("%w: instruction %s outside .text", ErrSyntax, st.op)
	}

	insn, err := a.encode(st)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf, insn)
	return nil
}

// emitMove expands "mov xd, #imm" into movz followed by movk for every
// other non-zero halfword, and "mov xd, xn" into "add xd, xn, #0".
func (a *assembler) emitMove(st statement, buf []byte) error {
	if err := expectArgs(st, 2); err != nil {
		return err
	}
	dst, src := st.args[0], st.args[1]

	if !strings.HasPrefix(src, "#") && !strings.EqualFold(src, "xzr") {
		rd, err := parseReg(dst, true)
		if err != nil {
			return err
		}
		rn, err := parseReg(src, true)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(buf, encodeImm12(opAdd, rd, rn, 0))
		return nil
	}

	rd, err := parseReg(dst, false)
	if err != nil {
		return err
	}

	var imm uint64
	if strings.HasPrefix(src, "#") {
		v, _ := parseImm(src)
		imm = uint64(v)
	}
	for i, chunk := range moveChunks(imm) {
		op := uint32(opMovk)
		if i == 0 {
			op = opMovz
		}
		binary.LittleEndian.PutUint32(buf[i*insnSize:], encodeMove(op, rd, uint16(imm>>(16*chunk)), chunk))
	}
	return nil
}

// moveChunks returns the halfwords of v that need to be materialized. The
// first one is always present.
func moveChunks(v uint64) []uint8 {
	var chunks []uint8
	for hw := uint8(0); hw < 4; hw++ {
		if v>>(16*hw)&0xffff != 0 {
			chunks = append(chunks, hw)
		}
	}
	if len(chunks) == 0 {
		chunks = []uint8{0}
	}
	return chunks
}

func (a *assembler) encode(st statement) (uint32, error) {
	pc := a.bases[st.section] + st.offset

	switch st.op {
	case "nop":
		return opNop, expectArgs(st, 0)
	case "wfi":
		return opWfi, expectArgs(st, 0)
	case "svc", "brk":
		if err := expectArgs(st, 1); err != nil {
			return 0, err
		}
		imm, err := parseImm(st.args[0])
		if err != nil || imm < 0 || imm > 0xffff {
			return 0, fmt.Errorf("%w: bad immediate %q", ErrSyntax, st.args[0])
		}
		if st.op == "svc" {
			return encodeTrap(opSvc, uint16(imm)), nil
		}
		return encodeTrap(opBrk, uint16(imm)), nil
	case "movz", "movk":
		if len(st.args) != 2 && len(st.args) != 3 {
			return 0, fmt.Errorf("%w: %s takes a register, an immediate and an optional shift", ErrSyntax, st.op)
		}
		rd, err := parseReg(st.args[0], false)
		if err != nil {
			return 0, err
		}
		imm, err := parseImm(st.args[1])
		if err != nil || imm < 0 || imm > 0xffff {
			return 0, fmt.Errorf("%w: bad immediate %q", ErrSyntax, st.args[1])
		}
		var hw uint8
		if len(st.args) == 3 {
			shift, err := parseImm(strings.TrimSpace(strings.TrimPrefix(st.args[2], "lsl")))
			if err != nil || shift%16 != 0 || shift < 0 || shift > 48 {
				return 0, fmt.Errorf("%w: bad shift %q", ErrSyntax, st.args[2])
			}
			hw = uint8(shift / 16)
		}
		op := uint32(opMovz)
		if st.op == "movk" {
			op = opMovk
		}
		return encodeMove(op, rd, uint16(imm), hw), nil
	case "add", "sub":
		if err := expectArgs(st, 3); err != nil {
			return 0, err
		}
		rd, err := parseReg(st.args[0], true)
		if err != nil {
			return 0, err
		}
		rn, err := parseReg(st.args[1], true)
		if err != nil {
			return 0, err
		}
		imm, err := parseImm(st.args[2])
		if err != nil || imm < 0 || imm > 0xfff {
			return 0, fmt.Errorf("%w: bad immediate %q", ErrSyntax, st.args[2])
		}
		op := uint32(opAdd)
		if st.op == "sub" {
			op = opSub
		}
		return encodeImm12(op, rd, rn, uint16(imm)), nil
	case "ldr", "str", "ldrb", "strb":
		if err := expectArgs(st, 2); err != nil {
			return 0, err
		}
		rt, err := parseReg(st.args[0], false)
		if err != nil {
			return 0, err
		}
		rn, offset, err := parseMem(st.args[1])
		if err != nil {
			return 0, err
		}
		scale := int64(8)
		if strings.HasSuffix(st.op, "b") {
			scale = 1
		}
		if offset%scale != 0 || offset/scale > 0xfff {
			return 0, fmt.Errorf("%w: bad offset %d", ErrSyntax, offset)
		}
		op := map[string]uint32{"ldr": opLdr, "str": opStr, "ldrb": opLdrb, "strb": opStrb}[st.op]
		return encodeImm12(op, rt, rn, uint16(offset/scale)), nil
	case "b":
		if err := expectArgs(st, 1); err != nil {
			return 0, err
		}
		offset, err := a.branchOffset(st.args[0], pc, 26)
		if err != nil {
			return 0, err
		}
		return encodeBranch(offset), nil
	case "cbz", "cbnz":
		if err := expectArgs(st, 2); err != nil {
			return 0, err
		}
		rt, err := parseReg(st.args[0], false)
		if err != nil {
			return 0, err
		}
		offset, err := a.branchOffset(st.args[1], pc, 19)
		if err != nil {
			return 0, err
		}
		op := uint32(opCbz)
		if st.op == "cbnz" {
			op = opCbnz
		}
		return encodeCondBranch(op, rt, offset), nil
	case "adr":
		if err := expectArgs(st, 2); err != nil {
			return 0, err
		}
		rd, err := parseReg(st.args[0], false)
		if err != nil {
			return 0, err
		}
		target, err := a.label(st.args[1])
		if err != nil {
			return 0, err
		}
		offset := int64(target) - int64(pc)
		if offset < -(1<<20) || offset >= 1<<20 {
			return 0, fmt.Errorf("%w: %s out of adr range", ErrSyntax, st.args[1])
		}
		return encodeAdr(rd, int32(offset)), nil
	}

	return 0, fmt.Errorf("%w: unknown instruction %s", ErrSyntax, st.op)
}

func (a *assembler) branchOffset(target string, pc uint64, bits uint) (int32, error) {
	addr, err := a.label(target)
	if err != nil {
		return 0, err
	}
	offset := int64(addr) - int64(pc)
	limit := int64(1) << (bits + 1)
	if offset < -limit || offset >= limit {
		return 0, fmt.Errorf("%w: %s out of branch range", ErrSyntax, target)
	}
	return int32(offset), nil
}

func (a *assembler) label(name string) (uint64, error) {
	if _, ok := a.symbols[name]; !ok {
		return 0, fmt.Errorf("%w: undefined label %q", ErrSyntax, name)
	}
	return a.address(name), nil
}

// value parses a number or a label address.
func (a *assembler) value(arg string) (uint64, error) {
	if _, ok := a.symbols[arg]; ok {
		return a.address(arg), nil
	}
	v, err := strconv.ParseInt(arg, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad value %q", ErrSyntax, arg)
	}
	return uint64(v), nil
}

func expectArgs(st statement, n int) error {
	if len(st.args) != n {
		return fmt.Errorf("%w: %s takes %d operand(s)", ErrSyntax, st.op, n)
	}
	return nil
}

// parseReg parses x0-x30 and w0-w30. Register 31 is sp where allowSP is
// set and xzr everywhere else.
func parseReg(s string, allowSP bool) (uint8, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "sp" && allowSP:
		return regSP, nil
	case (s == "xzr" || s == "wzr") && !allowSP:
		return regZR, nil
	case len(s) > 1 && (s[0] == 'x' || s[0] == 'w'):
		n, err := strconv.ParseUint(s[1:], 10, 8)
		if err == nil && n <= 30 {
			return uint8(n), nil
		}
	}
	return 0, fmt.Errorf("%w: bad register %q", ErrSyntax, s)
}

// parseImm parses "#n".
func parseImm(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "#") {
		return 0, fmt.Errorf("%w: expected immediate, got %q", ErrSyntax, s)
	}
	v, err := strconv.ParseInt(s[1:], 0, 64)
	if err != nil {
		u, uerr := strconv.ParseUint(s[1:], 0, 64)
		if uerr != nil {
			return 0, fmt.Errorf("%w: bad immediate %q", ErrSyntax, s)
		}
		v = int64(u)
	}
	return v, nil
}

// parseMem parses "[xn]" and "[xn, #imm]".
func parseMem(s string) (uint8, int64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return 0, 0, fmt.Errorf("%w: bad memory operand %q", ErrSyntax, s)
	}

	base, off, hasOff := strings.Cut(s[1:len(s)-1], ",")
	rn, err := parseReg(base, true)
	if err != nil {
		return 0, 0, err
	}
	if !hasOff {
		return rn, 0, nil
	}

	imm, err := parseImm(off)
	if err != nil || imm < 0 {
		return 0, 0, fmt.Errorf("%w: bad offset in %q", ErrSyntax, s)
	}
	return rn, imm, nil
}

func parseDirectiveNumber(args []string, max uint64) (uint64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%w: expected one number", ErrSyntax)
	}
	n, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil || n > max {
		return 0, fmt.Errorf("%w: bad number %q", ErrSyntax, args[0])
	}
	return n, nil
}

// splitArgs splits operands at commas outside brackets and quotes.
func splitArgs(s string) []string {
	var (
		args    []string
		depth   int
		quoted  bool
		start   int
		escaped bool
	)

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case quoted && c == '\\':
			escaped = true
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '[':
			depth++
		case c == ']':
			depth--
		case c == ',' && depth == 0:
			args = append(args, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}

	if last := strings.TrimSpace(s[start:]); last != "" || len(args) != 0 {
		args = append(args, last)
	}
	return args
}

// stripComment removes a trailing "//" or ";" comment that is not inside a
// string literal.
func stripComment(line string) string {
	quoted, escaped := false, false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case escaped:
			escaped = false
		case quoted && c == '\\':
			escaped = true
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == ';', c == '/' && i+1 < len(line) && line[i+1] == '/':
			return line[:i]
		}
	}
	return line
}
