package ir

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pattyshack/gt/parseutil"
	"gopkg.in/yaml.v3"
)

// Textual module format used by the command line driver:
//
//	module: example
//	structs:
//	  - name: point
//	    fields: [{name: x, type: i64}, {name: y, type: i64}]
//	globals:
//	  - {name: counter, type: i64, init: "0"}
//	functions:
//	  - name: add
//	    params: [{name: a, type: i64}, {name: b, type: i64}]
//	    returns: i64
//	    blocks:
//	      - label: entry
//	        instructions:
//	          - {op: binary, binop: add, dest: "%sum", type: i64, args: ["%a", "%b"]}
//	          - {op: ret, args: ["%sum"]}
//
// Value references: %name (local / temporary), @name (global), #name
// (named constant), or "<type> <literal>" (e.g. "i64 42", "f64 1.5",
// "bool true", "char 'a'", `string "hi"`).

type position struct {
	line   int
	column int
}

func (pos position) location(fileName string) parseutil.Location {
	return parseutil.Location{
		FileName: fileName,
		Line:     pos.line,
		Column:   pos.column,
	}
}

type rawField struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type rawStruct struct {
	Name   string     `yaml:"name"`
	Fields []rawField `yaml:"fields"`

	pos position
}

func (raw *rawStruct) UnmarshalYAML(node *yaml.Node) error {
	type plain rawStruct
	err := node.Decode((*plain)(raw))
	raw.pos = position{node.Line, node.Column}
	return err
}

type rawGlobal struct {
	Name     string  `yaml:"name"`
	Type     string  `yaml:"type"`
	Init     *string `yaml:"init"`
	ReadOnly bool    `yaml:"readonly"`
	Exported *bool   `yaml:"exported"`

	pos position
}

func (raw *rawGlobal) UnmarshalYAML(node *yaml.Node) error {
	type plain rawGlobal
	err := node.Decode((*plain)(raw))
	raw.pos = position{node.Line, node.Column}
	return err
}

type rawConstant struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Value string `yaml:"value"`

	pos position
}

func (raw *rawConstant) UnmarshalYAML(node *yaml.Node) error {
	type plain rawConstant
	err := node.Decode((*plain)(raw))
	raw.pos = position{node.Line, node.Column}
	return err
}

type rawPhiEdge struct {
	Block string `yaml:"block"`
	Value string `yaml:"value"`
}

type rawInstruction struct {
	Op        string       `yaml:"op"`
	BinaryOp  string       `yaml:"binop"`
	UnaryOp   string       `yaml:"unop"`
	Dest      string       `yaml:"dest"`
	Type      string       `yaml:"type"`
	Args      []string     `yaml:"args"`
	Callee    string       `yaml:"callee"`
	Func      string       `yaml:"func"`
	Variadic  bool         `yaml:"variadic"`
	FixedArgs int          `yaml:"fixed"`
	Intrinsic string       `yaml:"intrinsic"`
	Targets   []string     `yaml:"targets"`
	Incoming  []rawPhiEdge `yaml:"incoming"`
	Scope     string       `yaml:"scope"`

	pos position
}

func (raw *rawInstruction) UnmarshalYAML(node *yaml.Node) error {
	type plain rawInstruction
	err := node.Decode((*plain)(raw))
	raw.pos = position{node.Line, node.Column}
	return err
}

type rawBlock struct {
	Label        string            `yaml:"label"`
	Instructions []*rawInstruction `yaml:"instructions"`

	pos position
}

func (raw *rawBlock) UnmarshalYAML(node *yaml.Node) error {
	type plain rawBlock
	err := node.Decode((*plain)(raw))
	raw.pos = position{node.Line, node.Column}
	return err
}

type rawFunction struct {
	Name      string         `yaml:"name"`
	Params    []rawField     `yaml:"params"`
	Returns   string         `yaml:"returns"`
	Variadic  bool           `yaml:"variadic"`
	Exported  *bool          `yaml:"exported"`
	Constants []*rawConstant `yaml:"constants"`
	Locals    []rawField     `yaml:"locals"`
	Blocks    []*rawBlock    `yaml:"blocks"`

	pos position
}

func (raw *rawFunction) UnmarshalYAML(node *yaml.Node) error {
	type plain rawFunction
	err := node.Decode((*plain)(raw))
	raw.pos = position{node.Line, node.Column}
	return err
}

type rawModule struct {
	Module    string         `yaml:"module"`
	Structs   []*rawStruct   `yaml:"structs"`
	Globals   []*rawGlobal   `yaml:"globals"`
	Functions []*rawFunction `yaml:"functions"`
}

type moduleDecoder struct {
	*parseutil.Emitter

	fileName string
	module   *Module
}

// DecodeModule reads a module in the textual format above.  Syntax errors
// are returned directly; semantic problems (unknown types, undefined
// values, bad labels) are reported through the emitter and decoding
// continues with the next construct.
func DecodeModule(
	fileName string,
	reader io.Reader,
	emitter *parseutil.Emitter,
) (
	*Module,
	error,
) {
	raw := rawModule{}
	err := yaml.NewDecoder(reader).Decode(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", fileName, err)
	}

	name := raw.Module
	if name == "" {
		name = fileName
	}

	decoder := &moduleDecoder{
		Emitter:  emitter,
		fileName: fileName,
		module:   NewModule(name),
	}

	// Declare all struct names first so that fields may reference each
	// other through pointers.
	for _, rawStruct := range raw.Structs {
		_, ok := decoder.module.Structs[rawStruct.Name]
		if ok {
			decoder.Emit(
				rawStruct.pos.location(fileName),
				"duplicate struct (%s)",
				rawStruct.Name)
			continue
		}
		decoder.module.Structs[rawStruct.Name] = NewStruct(rawStruct.Name)
	}

	for _, rawStruct := range raw.Structs {
		decoder.decodeStruct(rawStruct)
	}

	for _, rawGlobal := range raw.Globals {
		decoder.decodeGlobal(rawGlobal)
	}

	for _, rawFunc := range raw.Functions {
		fn := decoder.decodeFunction(rawFunc)
		if fn != nil {
			decoder.module.AddFunction(fn)
		}
	}

	return decoder.module, nil
}

func (decoder *moduleDecoder) parseType(
	pos position,
	name string,
) *Type {
	name = strings.TrimSpace(name)
	if name == "" {
		return VoidType
	}

	if strings.HasPrefix(name, "*") {
		elem := decoder.parseType(pos, name[1:])
		if elem == nil {
			return nil
		}
		return NewPointer(elem)
	}

	if strings.HasPrefix(name, "[") {
		end := strings.Index(name, "]")
		if end < 0 {
			decoder.Emit(pos.location(decoder.fileName), "invalid type (%s)", name)
			return nil
		}

		length, err := strconv.Atoi(name[1:end])
		if err != nil || length < 0 {
			decoder.Emit(
				pos.location(decoder.fileName),
				"invalid array length (%s)",
				name)
			return nil
		}

		elem := decoder.parseType(pos, name[end+1:])
		if elem == nil {
			return nil
		}
		return NewArray(elem, length)
	}

	t, ok := PrimitiveType(name)
	if ok {
		return t
	}

	t, ok = decoder.module.Structs[strings.TrimPrefix(name, "struct ")]
	if ok {
		return t
	}

	decoder.Emit(pos.location(decoder.fileName), "unknown type (%s)", name)
	return nil
}

func (decoder *moduleDecoder) decodeStruct(raw *rawStruct) {
	t := decoder.module.Structs[raw.Name]
	if len(t.Fields) > 0 {
		return // duplicate, already reported
	}

	names := map[string]struct{}{}
	for _, field := range raw.Fields {
		_, ok := names[field.Name]
		if ok {
			decoder.Emit(
				raw.pos.location(decoder.fileName),
				"duplicate field (%s) in struct (%s)",
				field.Name,
				raw.Name)
			continue
		}
		names[field.Name] = struct{}{}

		fieldType := decoder.parseType(raw.pos, field.Type)
		if fieldType == nil {
			continue
		}

		if fieldType == t {
			decoder.Emit(
				raw.pos.location(decoder.fileName),
				"struct (%s) cannot contain itself",
				raw.Name)
			continue
		}

		t.Fields = append(t.Fields, Field{Name: field.Name, Type: fieldType})
	}
}

func (decoder *moduleDecoder) decodeGlobal(raw *rawGlobal) {
	t := decoder.parseType(raw.pos, raw.Type)
	if t == nil {
		return
	}

	err := ValidateSymbolName(raw.Name)
	if err != nil {
		decoder.Emit(raw.pos.location(decoder.fileName), "global: %s", err)
		return
	}

	if decoder.module.Global(raw.Name) != nil {
		decoder.Emit(
			raw.pos.location(decoder.fileName),
			"duplicate global (%s)",
			raw.Name)
		return
	}

	global := &Global{
		StartEndPos: parseutil.NewStartEndPos(
			raw.pos.location(decoder.fileName),
			raw.pos.location(decoder.fileName)),
		Name:     raw.Name,
		Type:     t,
		ReadOnly: raw.ReadOnly,
		Exported: raw.Exported == nil || *raw.Exported,
	}

	if raw.Init != nil {
		lit, ok := decoder.parseLiteral(raw.pos, t, *raw.Init)
		if !ok {
			return
		}
		global.Init = &lit
	}

	decoder.module.AddGlobal(global)
}

func (decoder *moduleDecoder) parseLiteral(
	pos position,
	t *Type,
	text string,
) (
	Literal,
	bool,
) {
	text = strings.TrimSpace(text)
	lit := Literal{}

	var err error
	switch {
	case t.IsSignedInt():
		lit.Int, err = strconv.ParseInt(text, 0, 64)
	case t.IsUnsignedInt():
		var val uint64
		val, err = strconv.ParseUint(text, 0, 64)
		lit.Int = int64(val)
	case t.IsFloat():
		lit.Float, err = strconv.ParseFloat(text, 64)
	case t.Kind == Bool:
		lit.Bool, err = strconv.ParseBool(text)
	case t.Kind == Char:
		var val rune
		val, _, _, err = strconv.UnquoteChar(strings.Trim(text, "'"), '\'')
		lit.Char = val
	case t.Kind == String:
		lit.Str, err = strconv.Unquote(text)
	default:
		decoder.Emit(
			pos.location(decoder.fileName),
			"type (%s) cannot have a literal value",
			t)
		return lit, false
	}

	if err != nil {
		decoder.Emit(
			pos.location(decoder.fileName),
			"invalid %s literal (%s)",
			t,
			text)
		return lit, false
	}

	return lit, true
}

type functionDecoder struct {
	*moduleDecoder

	fn        *Function
	named     map[string]*Value
	constants map[string]*Value
	globals   map[string]*Value
}

func (decoder *moduleDecoder) decodeFunction(raw *rawFunction) *Function {
	err := ValidateSymbolName(raw.Name)
	if err != nil {
		decoder.Emit(raw.pos.location(decoder.fileName), "function: %s", err)
		return nil
	}

	retType := decoder.parseType(raw.pos, raw.Returns)
	if retType == nil {
		return nil
	}

	fn := NewFunction(raw.Name, retType)
	fn.StartEndPos = parseutil.NewStartEndPos(
		raw.pos.location(decoder.fileName),
		raw.pos.location(decoder.fileName))
	fn.Variadic = raw.Variadic
	fn.Exported = raw.Exported == nil || *raw.Exported

	fnDecoder := &functionDecoder{
		moduleDecoder: decoder,
		fn:            fn,
		named:         map[string]*Value{},
		constants:     map[string]*Value{},
		globals:       map[string]*Value{},
	}

	for _, param := range raw.Params {
		t := decoder.parseType(raw.pos, param.Type)
		if t == nil {
			continue
		}
		fnDecoder.define(raw.pos, fn.NewParameter(param.Name, t))
	}

	for _, local := range raw.Locals {
		t := decoder.parseType(raw.pos, local.Type)
		if t == nil {
			continue
		}
		fnDecoder.define(raw.pos, fn.NewLocal(local.Name, t))
	}

	for _, constant := range raw.Constants {
		t := decoder.parseType(constant.pos, constant.Type)
		if t == nil {
			continue
		}

		lit, ok := decoder.parseLiteral(constant.pos, t, constant.Value)
		if !ok {
			continue
		}

		fnDecoder.constants[constant.Name] = fn.NamedConstant(
			constant.Name,
			t,
			lit)
	}

	// Temporaries are defined by their instruction.  Collect definitions
	// before decoding operands so that phis may reference values defined
	// later in the function.
	for _, rawBlock := range raw.Blocks {
		for _, rawInst := range rawBlock.Instructions {
			if rawInst.Dest == "" {
				continue
			}

			name := strings.TrimPrefix(rawInst.Dest, "%")
			_, ok := fnDecoder.named[name]
			if ok {
				continue // re-assignment of a local
			}

			t := decoder.parseType(rawInst.pos, rawInst.Type)
			if t == nil {
				continue
			}

			temp := fn.NewNamedTemporary(name, t)
			temp.StartEndPos = parseutil.NewStartEndPos(
				rawInst.pos.location(decoder.fileName),
				rawInst.pos.location(decoder.fileName))
			fnDecoder.named[name] = temp
		}
	}

	for _, rawBlock := range raw.Blocks {
		err = ValidateLabelName(rawBlock.Label)
		if err != nil {
			decoder.Emit(
				rawBlock.pos.location(decoder.fileName),
				"block label: %s",
				err)
		}

		block := fn.NewBlock(rawBlock.Label)
		block.StartEndPos = parseutil.NewStartEndPos(
			rawBlock.pos.location(decoder.fileName),
			rawBlock.pos.location(decoder.fileName))

		for _, rawInst := range rawBlock.Instructions {
			inst := fnDecoder.decodeInstruction(rawInst)
			if inst != nil {
				block.Instructions = append(block.Instructions, inst)
			}
		}
	}

	fn.Link(decoder.Emitter)
	return fn
}

func (decoder *functionDecoder) define(pos position, value *Value) {
	_, ok := decoder.named[value.Name]
	if ok {
		decoder.Emit(
			pos.location(decoder.fileName),
			"duplicate definition (%%%s)",
			value.Name)
		return
	}
	value.StartEndPos = parseutil.NewStartEndPos(
		pos.location(decoder.fileName),
		pos.location(decoder.fileName))
	decoder.named[value.Name] = value
}

func (decoder *functionDecoder) parseValue(pos position, text string) *Value {
	text = strings.TrimSpace(text)
	if text == "" {
		decoder.Emit(pos.location(decoder.fileName), "empty value reference")
		return nil
	}

	switch text[0] {
	case '%':
		value, ok := decoder.named[text[1:]]
		if !ok {
			decoder.Emit(
				pos.location(decoder.fileName),
				"undefined value (%s)",
				text)
			return nil
		}
		return value
	case '#':
		value, ok := decoder.constants[text[1:]]
		if !ok {
			decoder.Emit(
				pos.location(decoder.fileName),
				"undefined constant (%s)",
				text)
			return nil
		}
		return value
	case '@':
		value, ok := decoder.globals[text[1:]]
		if ok {
			return value
		}

		global := decoder.module.Global(text[1:])
		if global == nil {
			decoder.Emit(
				pos.location(decoder.fileName),
				"undefined global (%s)",
				text)
			return nil
		}

		value = decoder.fn.GlobalRef(global)
		decoder.globals[text[1:]] = value
		return value
	}

	typeName, litText, found := strings.Cut(text, " ")
	if !found {
		decoder.Emit(
			pos.location(decoder.fileName),
			"invalid value reference (%s)",
			text)
		return nil
	}

	t := decoder.parseType(pos, typeName)
	if t == nil {
		return nil
	}

	lit, ok := decoder.parseLiteral(pos, t, litText)
	if !ok {
		return nil
	}

	value := decoder.fn.newValue(LiteralValue, "", t)
	value.Literal = lit
	value.StartEndPos = parseutil.NewStartEndPos(
		pos.location(decoder.fileName),
		pos.location(decoder.fileName))
	return value
}

func (decoder *functionDecoder) decodeInstruction(
	raw *rawInstruction,
) *Instruction {
	loc := raw.pos.location(decoder.fileName)
	inst := &Instruction{
		StartEndPos: parseutil.NewStartEndPos(loc, loc),
		Op:          Opcode(raw.Op),
		BinaryOp:    BinaryOp(raw.BinaryOp),
		UnaryOp:     UnaryOp(raw.UnaryOp),
		Callee:      raw.Callee,
		Variadic:    raw.Variadic,
		FixedArgs:   raw.FixedArgs,
		Intrinsic:   raw.Intrinsic,
		Targets:     raw.Targets,
		Scope:       raw.Scope,
	}

	switch inst.Op {
	case StoreOp, LoadOp, BinaryOpcode, UnaryOpcode, CastOp, GetElementPtrOp,
		AddressOfOp, CallOp, PhiOp, IntrinsicOp, JumpOp, BranchOp, ReturnOp:
	default:
		decoder.Emit(loc, "unknown instruction (%s)", raw.Op)
		return nil
	}

	ok := true
	if raw.Callee != "" {
		err := ValidateSymbolName(raw.Callee)
		if err != nil {
			decoder.Emit(loc, "callee: %s", err)
			ok = false
		}
	}

	if raw.Dest != "" {
		inst.Dest = decoder.parseValue(raw.pos, raw.Dest)
		ok = inst.Dest != nil
	}

	for _, arg := range raw.Args {
		value := decoder.parseValue(raw.pos, arg)
		if value == nil {
			ok = false
			continue
		}
		inst.Args = append(inst.Args, value)
	}

	if raw.Func != "" {
		inst.Func = decoder.parseValue(raw.pos, raw.Func)
		ok = ok && inst.Func != nil
	}

	for _, edge := range raw.Incoming {
		value := decoder.parseValue(raw.pos, edge.Value)
		if value == nil {
			ok = false
			continue
		}
		inst.Incoming = append(
			inst.Incoming,
			PhiEdge{Block: edge.Block, Value: value})
	}

	if inst.Op == CallOp && !inst.Variadic {
		inst.FixedArgs = len(inst.Args)
	}

	if !ok {
		return nil
	}
	return inst
}
