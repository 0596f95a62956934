package ir

import (
	"github.com/pattyshack/gt/parseutil"
)

// A straight-line / basic block.  The last instruction must be a
// terminator.
type Block struct {
	parseutil.StartEndPos

	Label        string
	Instructions []*Instruction

	// Internal (set by Function.Link)
	Parent   *Function
	Parents  []*Block
	Children []*Block
}

func (block *Block) Terminator() *Instruction {
	if len(block.Instructions) == 0 {
		return nil
	}
	last := block.Instructions[len(block.Instructions)-1]
	if !last.IsTerminator() {
		return nil
	}
	return last
}

func (block *Block) Phis() []*Instruction {
	phis := []*Instruction{}
	for _, inst := range block.Instructions {
		if inst.Op != PhiOp {
			break
		}
		phis = append(phis, inst)
	}
	return phis
}

type Function struct {
	parseutil.StartEndPos

	Name       string
	Params     []*Value
	ReturnType *Type
	Variadic   bool
	Exported   bool

	Blocks []*Block

	// Value arena.  Value.ID indexes into this list.
	Values []*Value

	blockLabels map[string]*Block
}

func NewFunction(name string, returnType *Type) *Function {
	if returnType == nil {
		returnType = VoidType
	}
	return &Function{
		Name:        name,
		ReturnType:  returnType,
		Exported:    true,
		blockLabels: map[string]*Block{},
	}
}

func (fn *Function) newValue(kind ValueKind, name string, t *Type) *Value {
	value := &Value{
		ID:   ValueID(len(fn.Values)),
		Kind: kind,
		Type: t,
		Name: name,
	}
	fn.Values = append(fn.Values, value)
	return value
}

func (fn *Function) NewParameter(name string, t *Type) *Value {
	param := fn.newValue(LocalValue, name, t)
	param.IsParameter = true
	param.ParamIndex = len(fn.Params)
	fn.Params = append(fn.Params, param)
	return param
}

func (fn *Function) NewLocal(name string, t *Type) *Value {
	return fn.newValue(LocalValue, name, t)
}

func (fn *Function) NewTemporary(t *Type) *Value {
	return fn.newValue(TemporaryValue, "", t)
}

func (fn *Function) NewNamedTemporary(name string, t *Type) *Value {
	return fn.newValue(TemporaryValue, name, t)
}

func (fn *Function) IntLiteral(t *Type, val int64) *Value {
	value := fn.newValue(LiteralValue, "", t)
	value.Literal.Int = val
	return value
}

func (fn *Function) FloatLiteral(t *Type, val float64) *Value {
	value := fn.newValue(LiteralValue, "", t)
	value.Literal.Float = val
	return value
}

func (fn *Function) BoolLiteral(val bool) *Value {
	value := fn.newValue(LiteralValue, "", BoolType)
	value.Literal.Bool = val
	return value
}

func (fn *Function) CharLiteral(val rune) *Value {
	value := fn.newValue(LiteralValue, "", CharType)
	value.Literal.Char = val
	return value
}

func (fn *Function) StringLiteral(val string) *Value {
	value := fn.newValue(LiteralValue, "", StringType)
	value.Literal.Str = val
	return value
}

func (fn *Function) NamedConstant(name string, t *Type, lit Literal) *Value {
	value := fn.newValue(ConstantValue, name, t)
	value.Literal = lit
	return value
}

func (fn *Function) GlobalRef(global *Global) *Value {
	return fn.newValue(GlobalValue, global.Name, global.Type)
}

func (fn *Function) NewBlock(label string) *Block {
	block := &Block{
		Label:  label,
		Parent: fn,
	}
	fn.Blocks = append(fn.Blocks, block)
	if fn.blockLabels == nil {
		fn.blockLabels = map[string]*Block{}
	}
	fn.blockLabels[label] = block
	return block
}

func (fn *Function) Block(label string) *Block {
	if fn.blockLabels == nil {
		fn.blockLabels = map[string]*Block{}
		for _, block := range fn.Blocks {
			fn.blockLabels[block.Label] = block
		}
	}
	return fn.blockLabels[label]
}

func (fn *Function) IsLeaf() bool {
	for _, block := range fn.Blocks {
		for _, inst := range block.Instructions {
			if inst.Op == CallOp {
				return false
			}
		}
	}
	return true
}

// Link populates the block/instruction parent pointers and the control flow
// graph edges.  Problems are reported through the emitter.
func (fn *Function) Link(emitter *parseutil.Emitter) {
	fn.blockLabels = map[string]*Block{}
	for _, block := range fn.Blocks {
		_, ok := fn.blockLabels[block.Label]
		if ok {
			emitter.Emit(block.Loc(), "duplicate block label (%s)", block.Label)
			continue
		}
		fn.blockLabels[block.Label] = block
	}

	for _, block := range fn.Blocks {
		block.Parent = fn
		block.Parents = nil
		block.Children = nil
	}

	for _, block := range fn.Blocks {
		for _, inst := range block.Instructions {
			inst.Parent = block
		}

		term := block.Terminator()
		if term == nil {
			emitter.Emit(block.Loc(), "block (%s) is not terminated", block.Label)
			continue
		}

		for _, label := range term.Targets {
			child, ok := fn.blockLabels[label]
			if !ok {
				emitter.Emit(term.Loc(), "undefined block label (%s)", label)
				continue
			}
			block.Children = append(block.Children, child)
			child.Parents = append(child.Parents, block)
		}
	}
}

// Statically allocated module level storage.  Globals without an
// initializer are zero-filled.
type Global struct {
	parseutil.StartEndPos

	Name     string
	Type     *Type
	Init     *Literal
	ReadOnly bool
	Exported bool
}

type Module struct {
	Name      string
	Functions []*Function
	Globals   []*Global
	Structs   map[string]*Type
}

func NewModule(name string) *Module {
	return &Module{
		Name:    name,
		Structs: map[string]*Type{},
	}
}

func (module *Module) AddFunction(fn *Function) *Function {
	module.Functions = append(module.Functions, fn)
	return fn
}

func (module *Module) AddGlobal(global *Global) *Global {
	module.Globals = append(module.Globals, global)
	return global
}

func (module *Module) Global(name string) *Global {
	for _, global := range module.Globals {
		if global.Name == name {
			return global
		}
	}
	return nil
}
