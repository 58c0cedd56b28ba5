// Command capalias cross-checks the kernel's pointer discipline offline.
// The capability tables are deliberately index-based (the CDT pool hands
// out NodeIDs, not node pointers), but pointer-shaped structures remain:
// the cnode registry mapping live CDT nodes back to their owning CSpace,
// and the scheduler's intrusive TCB queue links — and both cnode and vm
// reach for unsafe.Pointer internally. capalias runs Andersen-style
// whole-program pointer analysis over a representative
// insert/copy/revoke/enqueue scenario and confirms that no value of one
// tracked kernel type may ever point into an allocation of another: a
// CSpace reference reaching a TCB allocation (or vice versa) would mean
// the unsafe conversions leaked.
//
// The scenario lives in this package so the analyzed program is
// self-contained: run `capalias` to analyze, `capalias -run` to execute
// the scenario directly.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/pointer"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"kaal/internal/captype"
	"kaal/internal/cdt"
	"kaal/internal/cnode"
	"kaal/internal/defs"
	"kaal/internal/sched"
)

var runScenario = flag.Bool("run", false, "execute the capability scenario instead of analyzing it")

func main() {
	flag.Parse()
	if *runScenario {
		scenario()
		return
	}
	if err := analyze(); err != nil {
		log.Fatalf("capalias: %v", err)
	}
}

// scenario is the program under analysis: a realistic capability workload
// touching every pointer-shaped kernel structure capalias cares about.
func scenario() {
	pool := cdt.NewPool(64)
	src, err := cnode.New(6, pool)
	if err != 0 {
		log.Fatalf("cnode.New: %v", err)
	}
	dst, err := cnode.New(6, pool)
	if err != 0 {
		log.Fatalf("cnode.New: %v", err)
	}

	node, err := pool.New(cdt.Null)
	if err != 0 {
		log.Fatalf("pool.New: %v", err)
	}
	root := captype.Capability{Type: defs.ObjFrame, Object: new(int), Rights: defs.AllRights, Node: node}
	if err := src.InsertRoot(0, root); err != 0 {
		log.Fatalf("InsertRoot: %v", err)
	}
	if err := cnode.Copy(src, 0, dst, 1); err != 0 {
		log.Fatalf("Copy: %v", err)
	}
	if err := cnode.Mint(src, 0, dst, 2, defs.Read, 7); err != 0 {
		log.Fatalf("Mint: %v", err)
	}
	if err := src.Revoke(0, nil); err != 0 {
		log.Fatalf("Revoke: %v", err)
	}

	s := sched.NewScheduler(sched.NewTCB())
	a, b := sched.NewTCB(), sched.NewTCB()
	a.Priority, b.Priority = 10, 20
	s.Enqueue(a)
	s.Enqueue(b)
	s.Schedule()
	s.Dequeue(a)
	fmt.Println("scenario ok")
}

// trackedTypes are the pointed-to kernel types whose cross-aliasing would
// indicate a leaked unsafe conversion.
var trackedTypes = []string{
	"kaal/internal/cnode.CSpace",
	"kaal/internal/sched.TCB",
}

func analyze() error {
	cfg := &packages.Config{Mode: packages.LoadAllSyntax}
	initial, err := packages.Load(cfg, "kaal/cmd/capalias")
	if err != nil {
		return err
	}
	if packages.PrintErrors(initial) > 0 {
		return fmt.Errorf("packages contained errors")
	}

	prog, pkgs := ssautil.AllPackages(initial, ssa.InstantiateGenerics)
	prog.Build()
	mains := ssautil.MainPackages(pkgs)
	if len(mains) == 0 {
		return fmt.Errorf("no main package found")
	}

	pcfg := &pointer.Config{Mains: mains}
	queried := collectQueries(prog, pcfg)
	if len(queried) == 0 {
		return fmt.Errorf("no tracked pointer values found; scenario out of date?")
	}

	result, err := pointer.Analyze(pcfg)
	if err != nil {
		return err
	}

	bad := 0
	for i, a := range queried {
		pa := result.Queries[a.val]
		for _, b := range queried[i+1:] {
			if a.typ == b.typ {
				continue // same-type aliasing is ordinary object flow
			}
			pb := result.Queries[b.val]
			if !pa.PointsTo().Intersects(pb.PointsTo()) {
				continue
			}
			bad++
			fmt.Fprintf(os.Stderr, "cross-type alias: %s <-> %s\n",
				describe(prog, a.val), describe(prog, b.val))
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d cross-type alias pair(s)", bad)
	}
	fmt.Printf("capalias: %d tracked values, no cross-type aliasing\n", len(queried))
	return nil
}

type query struct {
	val ssa.Value
	typ string
}

// collectQueries registers a pointer query for every SSA value of a
// tracked pointer type appearing in kernel code reachable from the
// scenario, returning the queried values with their type keys.
func collectQueries(prog *ssa.Program, pcfg *pointer.Config) []query {
	var out []query
	for fn := range ssautil.AllFunctions(prog) {
		if fn.Pkg == nil || !strings.HasPrefix(fn.Pkg.Pkg.Path(), "kaal/") {
			continue
		}
		for _, b := range fn.Blocks {
			for _, instr := range b.Instrs {
				v, ok := instr.(ssa.Value)
				if !ok {
					continue
				}
				typ, ok := trackedType(v)
				if !ok {
					continue
				}
				pcfg.AddQuery(v)
				out = append(out, query{val: v, typ: typ})
			}
		}
	}
	return out
}

func trackedType(v ssa.Value) (string, bool) {
	t := v.Type()
	if !pointer.CanPoint(t) {
		return "", false
	}
	s := t.String()
	for _, want := range trackedTypes {
		if s == "*"+want {
			return want, true
		}
	}
	return "", false
}

func describe(prog *ssa.Program, v ssa.Value) string {
	where := "?"
	if instr, ok := v.(ssa.Instruction); ok && instr.Parent() != nil {
		where = instr.Parent().String()
	}
	pos := prog.Fset.Position(v.Pos())
	return fmt.Sprintf("%s (%s at %s)", v.Name(), where, pos)
}
