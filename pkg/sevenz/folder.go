package sevenz

import "github.com/cariboulabs/sevenz/pkg/metrics"

// metricsReceiver is implemented by coderUnits (currently only aesCoder)
// that record counters of their own; execute injects the owning Reader's
// metrics instance into any unit that asks for one, instead of those units
// reaching for a process-wide global (spec.md §5: no shared mutable state
// across archives).
type metricsReceiver interface {
	setMetrics(*metrics.Metrics)
}

// folderPlan is the executable form of a Folder: coders in topological
// order with their resolved global input/output port ranges, ready to run
// against a set of packed-stream byte slices (spec.md §4.5, §9 — "an
// arena of coder nodes addressed by small integer indices with explicit
// input/output port arrays" rather than a pointer graph).
type folderPlan struct {
	folder   *Folder
	registry *Registry
	password string
	metrics  *metrics.Metrics

	// order[i] is the index into folder.Coders to run i-th.
	order []int
	// inPortStart[c]/outPortStart[c] is the first global port index
	// belonging to coder c.
	inPortStart  []int
	outPortStart []int
}

// buildFolderPlan validates a Folder's DAG and topologically orders its
// coders (spec.md §4.5 step 1-2). It rejects cycles, unused outputs and
// unsatisfied inputs; "unused outputs" beyond the single folder output are
// impossible given readFolder's invariant check, so this function focuses
// on cycle detection and unsatisfied-input detection. m is the owning
// Reader's own metrics instance (spec.md §5); it is threaded into every
// coderUnit that wants one rather than left for that unit to look up a
// global singleton itself.
func buildFolderPlan(f *Folder, registry *Registry, password string, m *metrics.Metrics) (*folderPlan, error) {
	n := len(f.Coders)
	inStart := make([]int, n)
	outStart := make([]int, n)
	in, out := 0, 0
	for i, c := range f.Coders {
		inStart[i] = in
		outStart[i] = out
		in += c.NumInStreams
		out += c.NumOutStreams
	}

	packedSet := make(map[int]bool, len(f.PackedIndices))
	for _, idx := range f.PackedIndices {
		packedSet[idx] = true
	}

	// Build coder-level dependency edges: coder A depends on coder B if any
	// of A's inputs is bound to one of B's outputs.
	coderOfOutPort := func(outIdx int) int {
		for i := range f.Coders {
			if outIdx >= outStart[i] && outIdx < outStart[i]+f.Coders[i].NumOutStreams {
				return i
			}
		}
		return -1
	}
	coderOfInPort := func(inIdx int) int {
		for i := range f.Coders {
			if inIdx >= inStart[i] && inIdx < inStart[i]+f.Coders[i].NumInStreams {
				return i
			}
		}
		return -1
	}

	deps := make([][]int, n) // deps[c] = coders that c depends on
	for in := 0; in < f.totalInStreams(); in++ {
		if packedSet[in] {
			continue
		}
		bpIdx := f.findBindPairForInIndex(in)
		if bpIdx == -1 {
			return nil, newErr(KindMalformed, "folder input %d is neither packed nor bound", in)
		}
		bp := f.BindPairs[bpIdx]
		consumer := coderOfInPort(in)
		producer := coderOfOutPort(bp.OutIndex)
		if consumer == -1 || producer == -1 {
			return nil, newErr(KindMalformed, "bind pair references an unknown port")
		}
		deps[consumer] = append(deps[consumer], producer)
	}

	order, err := topoSort(deps)
	if err != nil {
		return nil, err
	}

	for _, c := range f.Coders {
		if !registry.knownCoderID(c.ID) {
			return nil, &Error{Kind: KindUnsupported, FileIndex: -1, Msg: hexID(c.ID)}
		}
	}

	return &folderPlan{
		folder:       f,
		registry:     registry,
		password:     password,
		metrics:      m,
		order:        order,
		inPortStart:  inStart,
		outPortStart: outStart,
	}, nil
}

func hexID(id []byte) string {
	const hexDigits = "0123456789ABCDEF"
	out := make([]byte, len(id)*2)
	for i, b := range id {
		out[2*i] = hexDigits[b>>4]
		out[2*i+1] = hexDigits[b&0x0F]
	}
	return "unsupported coder id " + string(out)
}

// topoSort orders n nodes given deps[i] = predecessors of i, rejecting
// cycles (spec.md §3 invariant: "cycles are forbidden").
func topoSort(deps [][]int) ([]int, error) {
	n := len(deps)
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make([]int, n)
	order := make([]int, 0, n)

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return newErr(KindMalformed, "folder coder graph contains a cycle")
		}
		state[i] = visiting
		for _, d := range deps[i] {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[i] = done
		order = append(order, i)
		return nil
	}

	for i := 0; i < n; i++ {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// execute runs every coder in topological order, feeding packed-stream
// bytes and bound outputs into each coder's inputs, and returns the
// folder's single logical output (spec.md §4.5 step 3, §9's
// decode_folder routine used both for EncodedHeader recursion and for
// ordinary extraction).
func (p *folderPlan) execute(packedStreams [][]byte) ([]byte, error) {
	f := p.folder
	totalOut := f.totalOutStreams()
	outputs := make([][]byte, totalOut)
	outputReady := make([]bool, totalOut)

	packedForInput := make(map[int][]byte, len(f.PackedIndices))
	for i, inIdx := range f.PackedIndices {
		if i >= len(packedStreams) {
			return nil, newErr(KindMalformed, "folder needs %d packed streams, got %d", len(f.PackedIndices), len(packedStreams))
		}
		packedForInput[inIdx] = packedStreams[i]
	}

	for _, ci := range p.order {
		c := f.Coders[ci]
		inputs := make([][]byte, c.NumInStreams)
		for j := 0; j < c.NumInStreams; j++ {
			globalIn := p.inPortStart[ci] + j
			if b, ok := packedForInput[globalIn]; ok {
				inputs[j] = b
				continue
			}
			bpIdx := f.findBindPairForInIndex(globalIn)
			if bpIdx == -1 {
				return nil, newErr(KindMalformed, "coder %d input %d unsatisfied", ci, j)
			}
			outIdx := f.BindPairs[bpIdx].OutIndex
			if !outputReady[outIdx] {
				return nil, newErr(KindMalformed, "coder %d input %d depends on output %d before it was produced", ci, j, outIdx)
			}
			inputs[j] = outputs[outIdx]
		}

		declaredSizes := make([]int64, c.NumOutStreams)
		for j := 0; j < c.NumOutStreams; j++ {
			globalOut := p.outPortStart[ci] + j
			if globalOut < len(f.UnpackSizes) {
				declaredSizes[j] = f.UnpackSizes[globalOut]
			}
		}

		factory, ok := p.registry.lookup(c.ID)
		if !ok {
			return nil, &Error{Kind: KindUnsupported, FileIndex: -1, Msg: hexID(c.ID)}
		}
		unit := factory(p.password)
		if mr, ok := unit.(metricsReceiver); ok {
			mr.setMetrics(p.metrics)
		}
		outs, err := unit.decode(c.Properties, inputs, declaredSizes)
		if err != nil {
			return nil, err
		}
		if len(outs) != c.NumOutStreams {
			return nil, newErr(KindMalformed, "coder %d produced %d outputs, declared %d", ci, len(outs), c.NumOutStreams)
		}
		for j, b := range outs {
			globalOut := p.outPortStart[ci] + j
			outputs[globalOut] = b
			outputReady[globalOut] = true
		}
	}

	outIdx, err := f.findFolderOutputIndex()
	if err != nil {
		return nil, err
	}
	if !outputReady[outIdx] {
		return nil, newErr(KindMalformed, "folder output %d was never produced", outIdx)
	}
	result := outputs[outIdx]

	declaredSize, err := folderOutputSize(f)
	if err != nil {
		return nil, err
	}
	if int64(len(result)) != declaredSize {
		return nil, newErr(KindMalformed, "folder output length %d != declared unpackSize %d", len(result), declaredSize)
	}
	if f.UnpackCRCDefined && checksum(result) != f.UnpackCRC {
		return nil, &Error{Kind: KindIntegrityFailure, FileIndex: -1, Msg: "folder output crc mismatch"}
	}

	return result, nil
}
