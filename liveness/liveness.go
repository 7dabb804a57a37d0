// Package liveness reports which plain local variables of a code unit are
// dead at a given instruction, meaning no path from that instruction reads
// their current value before overwriting it.
package liveness

import (
	"errors"
	"fmt"
	"math/bits"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tliron/commonlog"

	"github.com/chazu/brine/vm"
)

var log = commonlog.GetLogger("brine.liveness")

// ErrNotInstruction is returned for offsets that do not start an instruction.
var ErrNotInstruction = errors.New("liveness: offset does not start an instruction")

// DefaultCacheSize is the number of analyzed code units an Analyzer keeps.
const DefaultCacheSize = 256

// Analyzer computes and caches per-instruction liveness for code units.
// It is not safe for concurrent use without external locking.
type Analyzer struct {
	cache *lru.Cache
}

// New creates an analyzer caching results for up to size code units.
func New(size int) (*Analyzer, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Analyzer{cache: c}, nil
}

// DeadVariablesAt returns the names of the plain local slots of code that are
// dead at the instruction starting at byteOffset. Cell and free slots are
// never reported: closures may read them at any time.
func (a *Analyzer) DeadVariablesAt(code *vm.Code, byteOffset int) ([]string, error) {
	r, err := a.result(code)
	if err != nil {
		return nil, err
	}
	if byteOffset%vm.UnitSize != 0 {
		return nil, fmt.Errorf("%w: odd byte offset %d in %s", ErrNotInstruction, byteOffset, code.QualName)
	}
	i, ok := r.index[byteOffset/vm.UnitSize]
	if !ok {
		return nil, fmt.Errorf("%w: byte offset %d in %s", ErrNotInstruction, byteOffset, code.QualName)
	}
	var dead []string
	for slot, kind := range code.SlotKinds {
		if kind == vm.SlotLocal && !r.liveIn[i].has(slot) {
			dead = append(dead, code.SlotNames[slot])
		}
	}
	return dead, nil
}

// Forget drops any cached result for code.
func (a *Analyzer) Forget(code *vm.Code) {
	a.cache.Remove(code.ID())
}

func (a *Analyzer) result(code *vm.Code) (*result, error) {
	if v, ok := a.cache.Get(code.ID()); ok {
		return v.(*result), nil
	}
	r, err := analyze(code)
	if err != nil {
		return nil, err
	}
	a.cache.Add(code.ID(), r)
	log.Debugf("analyzed %s: %d instructions, %d slots", code.QualName, len(r.liveIn), code.NLocalsPlus())
	return r, nil
}

// ---------------------------------------------------------------------------
// Dataflow
// ---------------------------------------------------------------------------

type bitset []uint64

func newBitset(n int) bitset { return make(bitset, (n+63)/64) }

func (b bitset) has(i int) bool { return b[i/64]&(1<<(uint(i)%64)) != 0 }
func (b bitset) set(i int)      { b[i/64] |= 1 << (uint(i) % 64) }
func (b bitset) unset(i int)    { b[i/64] &^= 1 << (uint(i) % 64) }

func (b bitset) count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

type result struct {
	index  map[int]int // unit -> instruction index
	liveIn []bitset
}

// analyze runs a backward may-live analysis to a fixed point. Exception
// handler targets count as successors of every instruction they protect.
func analyze(code *vm.Code) (*result, error) {
	ins, err := vm.Decode(code.Bytecode)
	if err != nil {
		return nil, err
	}
	n := code.NLocalsPlus()
	r := &result{index: make(map[int]int, len(ins)), liveIn: make([]bitset, len(ins))}
	for i, in := range ins {
		r.index[in.Start] = i
		r.liveIn[i] = newBitset(n)
	}

	succ := make([][]int, len(ins))
	for i, in := range ins {
		if !in.Op.IsTerminal() && i+1 < len(ins) {
			succ[i] = append(succ[i], i+1)
		}
		if in.Op.Info().HasJump {
			if j, ok := r.index[in.Arg]; ok {
				succ[i] = append(succ[i], j)
			}
		}
		for _, h := range code.Handlers {
			if in.Start >= h.Start && in.Start < h.End {
				if j, ok := r.index[h.Target]; ok {
					succ[i] = append(succ[i], j)
				}
			}
		}
	}

	out := newBitset(n)
	for changed := true; changed; {
		changed = false
		for i := len(ins) - 1; i >= 0; i-- {
			clear(out)
			for _, s := range succ[i] {
				for w := range out {
					out[w] |= r.liveIn[s][w]
				}
			}
			in := ins[i]
			if in.Arg >= n {
				if in.Op == vm.OpStoreFast || in.Op == vm.OpDeleteFast || in.Op == vm.OpLoadFast {
					return nil, fmt.Errorf("%w: slot %d of %s", vm.ErrBadBytecode, in.Arg, code.QualName)
				}
			}
			switch in.Op {
			case vm.OpStoreFast, vm.OpDeleteFast:
				out.unset(in.Arg)
			case vm.OpLoadFast:
				out.set(in.Arg)
			}
			before := r.liveIn[i].count()
			for w := range out {
				r.liveIn[i][w] |= out[w]
			}
			if r.liveIn[i].count() != before {
				changed = true
			}
		}
	}
	return r, nil
}
