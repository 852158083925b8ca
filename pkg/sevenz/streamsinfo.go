package sevenz

// Coder is one node of a folder's coder DAG: a filter or codec instance
// identified by its coder ID bytes (1-15 bytes, spec.md §3), carrying an
// optional property blob and its declared stream-port counts.
type Coder struct {
	ID            []byte
	NumInStreams  int
	NumOutStreams int
	Properties    []byte
}

// BindPair connects one coder's output port to another coder's input port
// within a folder (spec.md §3, GLOSSARY).
type BindPair struct {
	InIndex  int // global input-port index across the folder
	OutIndex int // global output-port index across the folder
}

// Folder is a DAG of Coders joined by BindPairs, fed by one or more packed
// streams, with exactly one distinguished output (spec.md §3).
type Folder struct {
	Coders        []Coder
	BindPairs     []BindPair
	PackedIndices []int // global input-port index for each packed stream, in order

	// NumUnpackSubStreams is set to 1 by readFolder and not updated from
	// SubstreamsInfo; the per-folder substream counts read from there are
	// kept in StreamsInfo.NumUnpackStreamsInFolders.
	NumUnpackSubStreams int

	// UnpackSizes holds one declared output size per coder *output port*,
	// in the order ports are numbered (coder 0's outputs first, etc).
	UnpackSizes []int64

	// UnpackCRCDefined/UnpackCRC describe the folder's single logical
	// output stream, if a CRC was recorded for it.
	UnpackCRCDefined bool
	UnpackCRC        uint32
}

// totalInStreams and totalOutStreams across every coder in the folder.
func (f *Folder) totalInStreams() int {
	n := 0
	for _, c := range f.Coders {
		n += c.NumInStreams
	}
	return n
}

func (f *Folder) totalOutStreams() int {
	n := 0
	for _, c := range f.Coders {
		n += c.NumOutStreams
	}
	return n
}

// findBindPairForInIndex returns the BindPair feeding global input port
// inIndex, or -1 if none binds it (it must then be a packed stream).
func (f *Folder) findBindPairForInIndex(inIndex int) int {
	for i, bp := range f.BindPairs {
		if bp.InIndex == inIndex {
			return i
		}
	}
	return -1
}

func (f *Folder) findBindPairForOutIndex(outIndex int) int {
	for i, bp := range f.BindPairs {
		if bp.OutIndex == outIndex {
			return i
		}
	}
	return -1
}

// findFolderOutputIndex returns the index of the folder's single unbound
// output (not consumed by any BindPair) — the folder's final output, per
// spec.md §3's invariant that every output but one is consumed. Any other
// number of unbound outputs is reported as Malformed.
func (f *Folder) findFolderOutputIndex() (int, error) {
	unbound := -1
	count := 0
	for out := 0; out < f.totalOutStreams(); out++ {
		if f.findBindPairForOutIndex(out) == -1 {
			unbound = out
			count++
		}
	}
	if count != 1 {
		return -1, newErr(KindMalformed, "folder has %d unbound outputs, want exactly 1", count)
	}
	return unbound, nil
}

// PackInfo describes where packed streams begin and how big each is
// (spec.md §3, §4.7).
type PackInfo struct {
	PackPos   int64
	PackSizes []int64
	// CRC-32 per packed stream, when present (not required by extraction,
	// kept for completeness/debuggability).
	CRCDefined []bool
	CRC        []uint32
}

// StreamsInfo bundles PackInfo with the folder descriptors and the
// substream partition of each folder's output (spec.md §3).
type StreamsInfo struct {
	PackInfo       *PackInfo
	Folders        []Folder
	NumUnpackStreamsInFolders []int // len == len(Folders); defaults filled from SubstreamsInfo

	// SubstreamSizes[f] holds the per-file sizes inside folder f's output,
	// in file order. SubstreamCRCDefined/SubstreamCRC mirror that shape.
	SubstreamSizes       [][]int64
	SubstreamCRCDefined  [][]bool
	SubstreamCRC         [][]uint32
}

func readPackInfo(r *byteReader) (*PackInfo, error) {
	pos, err := readNumber(r)
	if err != nil {
		return nil, err
	}
	numPackStreams, err := readNumberAsInt(r)
	if err != nil {
		return nil, err
	}

	pi := &PackInfo{PackPos: int64(pos)}

	for {
		tag, err := readID(r)
		if err != nil {
			return nil, err
		}
		switch tag {
		case tagSize:
			sizes := make([]int64, numPackStreams)
			for i := range sizes {
				v, err := readNumber(r)
				if err != nil {
					return nil, err
				}
				sizes[i] = int64(v)
			}
			pi.PackSizes = sizes
		case tagCRC:
			cv, err := readCRCVector(r, numPackStreams)
			if err != nil {
				return nil, err
			}
			pi.CRCDefined = cv.defined
			pi.CRC = cv.values
		case tagEnd:
			if pi.PackSizes == nil {
				return nil, newErr(KindMalformed, "PackInfo missing mandatory PackSizes")
			}
			return pi, nil
		default:
			if err := skipSizedProperty(r); err != nil {
				return nil, err
			}
		}
	}
}

func readFolder(r *byteReader) (Folder, error) {
	var f Folder

	numCoders, err := readNumberAsInt(r)
	if err != nil {
		return f, err
	}
	if numCoders <= 0 {
		return f, newErr(KindMalformed, "folder declares %d coders", numCoders)
	}

	f.Coders = make([]Coder, numCoders)
	for i := 0; i < numCoders; i++ {
		flags, err := r.readByte()
		if err != nil {
			return f, err
		}

		idSize := int(flags & 0x0F)
		isComplex := flags&0x10 != 0
		hasAttrs := flags&0x20 != 0
		if flags&0x80 != 0 {
			return f, newErr(KindMalformed, "folder coder flags 0x%02X set reserved bit", flags)
		}

		id, err := r.readBytes(idSize)
		if err != nil {
			return f, err
		}

		c := Coder{ID: append([]byte(nil), id...), NumInStreams: 1, NumOutStreams: 1}
		if isComplex {
			numIn, err := readNumberAsInt(r)
			if err != nil {
				return f, err
			}
			numOut, err := readNumberAsInt(r)
			if err != nil {
				return f, err
			}
			c.NumInStreams, c.NumOutStreams = numIn, numOut
		}

		if hasAttrs {
			propSize, err := readNumberAsInt(r)
			if err != nil {
				return f, err
			}
			props, err := r.readBytes(propSize)
			if err != nil {
				return f, err
			}
			c.Properties = append([]byte(nil), props...)
		}

		f.Coders[i] = c
	}

	totalOut := f.totalOutStreams()
	totalIn := f.totalInStreams()
	numBindPairs := totalOut - 1
	if numBindPairs < 0 {
		return f, newErr(KindMalformed, "folder has %d total outputs", totalOut)
	}

	f.BindPairs = make([]BindPair, numBindPairs)
	for i := 0; i < numBindPairs; i++ {
		inIdx, err := readNumberAsInt(r)
		if err != nil {
			return f, err
		}
		outIdx, err := readNumberAsInt(r)
		if err != nil {
			return f, err
		}
		if inIdx < 0 || inIdx >= totalIn || outIdx < 0 || outIdx >= totalOut {
			return f, newErr(KindMalformed, "bind pair (%d,%d) out of range (in<%d, out<%d)", inIdx, outIdx, totalIn, totalOut)
		}
		f.BindPairs[i] = BindPair{InIndex: inIdx, OutIndex: outIdx}
	}

	numPackedStreams := totalIn - numBindPairs
	if numPackedStreams < 0 {
		return f, newErr(KindMalformed, "folder has more bind pairs than inputs")
	}

	if numPackedStreams == 1 {
		// The single packed stream feeds the one input port with no
		// bind pair; find it.
		found := -1
		for in := 0; in < totalIn; in++ {
			if f.findBindPairForInIndex(in) == -1 {
				found = in
				break
			}
		}
		if found == -1 {
			return f, newErr(KindMalformed, "folder has a packed stream but every input is bound")
		}
		f.PackedIndices = []int{found}
	} else {
		f.PackedIndices = make([]int, numPackedStreams)
		for i := 0; i < numPackedStreams; i++ {
			idx, err := readNumberAsInt(r)
			if err != nil {
				return f, err
			}
			if idx < 0 || idx >= totalIn {
				return f, newErr(KindMalformed, "packed stream index %d out of range", idx)
			}
			f.PackedIndices[i] = idx
		}
	}

	// Invariant check from spec.md §3: total inputs == total outputs - 1 + |packed streams|.
	if totalIn != totalOut-1+len(f.PackedIndices) {
		return f, newErr(KindMalformed, "folder stream-count invariant violated: in=%d out=%d packed=%d", totalIn, totalOut, len(f.PackedIndices))
	}

	f.NumUnpackSubStreams = 1
	return f, nil
}

func readUnpackInfo(r *byteReader) ([]Folder, error) {
	if err := expectTag(r, tagFolder); err != nil {
		return nil, err
	}
	numFolders, err := readNumberAsInt(r)
	if err != nil {
		return nil, err
	}
	external, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if external != 0 {
		return nil, newErr(KindMalformed, "external folder definitions are not supported")
	}

	folders := make([]Folder, numFolders)
	for i := 0; i < numFolders; i++ {
		f, err := readFolder(r)
		if err != nil {
			return nil, err
		}
		folders[i] = f
	}

	if err := expectTag(r, tagCodersUnpackSize); err != nil {
		return nil, err
	}
	for i := range folders {
		n := folders[i].totalOutStreams()
		sizes := make([]int64, n)
		for j := 0; j < n; j++ {
			v, err := readNumber(r)
			if err != nil {
				return nil, err
			}
			sizes[j] = int64(v)
		}
		folders[i].UnpackSizes = sizes
	}

	for {
		tag, err := readID(r)
		if err != nil {
			return nil, err
		}
		switch tag {
		case tagCRC:
			cv, err := readCRCVector(r, numFolders)
			if err != nil {
				return nil, err
			}
			for i := range folders {
				folders[i].UnpackCRCDefined = cv.defined[i]
				folders[i].UnpackCRC = cv.values[i]
			}
		case tagEnd:
			return folders, nil
		default:
			if err := skipSizedProperty(r); err != nil {
				return nil, err
			}
		}
	}
}

// folderOutputSize returns the declared size of a folder's single logical
// output stream (the value at its unbound output port).
func folderOutputSize(f *Folder) (int64, error) {
	outIdx, err := f.findFolderOutputIndex()
	if err != nil {
		return 0, err
	}
	if outIdx < 0 || outIdx >= len(f.UnpackSizes) {
		return 0, newErr(KindMalformed, "folder output index %d out of range", outIdx)
	}
	return f.UnpackSizes[outIdx], nil
}

func readSubstreamsInfo(r *byteReader, folders []Folder) (*StreamsInfo, error) {
	si := &StreamsInfo{}
	numUnpackStreams := make([]int, len(folders))
	for i := range numUnpackStreams {
		numUnpackStreams[i] = 1
	}

	tag, err := readID(r)
	if err != nil {
		return nil, err
	}

	if tag == tagNumUnpackStream {
		for i := range folders {
			n, err := readNumberAsInt(r)
			if err != nil {
				return nil, err
			}
			numUnpackStreams[i] = n
		}
		tag, err = readID(r)
		if err != nil {
			return nil, err
		}
	}

	sizes := make([][]int64, len(folders))
	for i, n := range numUnpackStreams {
		if n == 0 {
			sizes[i] = nil
			continue
		}
		folderSize, err := folderOutputSize(&folders[i])
		if err != nil {
			return nil, err
		}

		s := make([]int64, n)
		if tag == tagSize {
			var sum int64
			for j := 0; j < n-1; j++ {
				v, err := readNumber(r)
				if err != nil {
					return nil, err
				}
				s[j] = int64(v)
				sum += int64(v)
			}
			s[n-1] = folderSize - sum
		} else {
			s[0] = folderSize
		}
		sizes[i] = s
	}
	if tag == tagSize {
		tag, err = readID(r)
		if err != nil {
			return nil, err
		}
	}

	// Count substreams that need an explicit CRC: folders with exactly one
	// substream already have UnpackCRC at the folder level.
	numDigestsTotal := 0
	needsDigest := make([]bool, 0)
	for i, n := range numUnpackStreams {
		for j := 0; j < n; j++ {
			need := !(n == 1 && folders[i].UnpackCRCDefined)
			needsDigest = append(needsDigest, need)
			if need {
				numDigestsTotal++
			}
		}
	}

	crcDefined := make([][]bool, len(folders))
	crcValues := make([][]uint32, len(folders))
	for i, n := range numUnpackStreams {
		crcDefined[i] = make([]bool, n)
		crcValues[i] = make([]uint32, n)
		if n == 1 && folders[i].UnpackCRCDefined {
			crcDefined[i][0] = true
			crcValues[i][0] = folders[i].UnpackCRC
		}
	}

	if tag == tagCRC {
		cv, err := readCRCVector(r, numDigestsTotal)
		if err != nil {
			return nil, err
		}
		k := 0
		idx := 0
		for i, n := range numUnpackStreams {
			for j := 0; j < n; j++ {
				if needsDigest[idx] {
					crcDefined[i][j] = cv.defined[k]
					crcValues[i][j] = cv.values[k]
					k++
				}
				idx++
			}
		}
		tag, err = readID(r)
		if err != nil {
			return nil, err
		}
	}

	for tag != tagEnd {
		if err := skipSizedProperty(r); err != nil {
			return nil, err
		}
		tag, err = readID(r)
		if err != nil {
			return nil, err
		}
	}

	si.NumUnpackStreamsInFolders = numUnpackStreams
	si.SubstreamSizes = sizes
	si.SubstreamCRCDefined = crcDefined
	si.SubstreamCRC = crcValues
	return si, nil
}

func readStreamsInfo(r *byteReader) (*StreamsInfo, error) {
	si := &StreamsInfo{}

	tag, err := readID(r)
	if err != nil {
		return nil, err
	}

	if tag == tagPackInfo {
		pi, err := readPackInfo(r)
		if err != nil {
			return nil, err
		}
		si.PackInfo = pi
		tag, err = readID(r)
		if err != nil {
			return nil, err
		}
	}

	if tag == tagUnpackInfo {
		folders, err := readUnpackInfo(r)
		if err != nil {
			return nil, err
		}
		si.Folders = folders
		tag, err = readID(r)
		if err != nil {
			return nil, err
		}
	}

	if tag == tagSubStreamsInfo {
		sub, err := readSubstreamsInfo(r, si.Folders)
		if err != nil {
			return nil, err
		}
		si.NumUnpackStreamsInFolders = sub.NumUnpackStreamsInFolders
		si.SubstreamSizes = sub.SubstreamSizes
		si.SubstreamCRCDefined = sub.SubstreamCRCDefined
		si.SubstreamCRC = sub.SubstreamCRC
		tag, err = readID(r)
		if err != nil {
			return nil, err
		}
	} else {
		// No SubstreamsInfo: each folder is exactly one substream equal to
		// its whole output.
		si.NumUnpackStreamsInFolders = make([]int, len(si.Folders))
		si.SubstreamSizes = make([][]int64, len(si.Folders))
		si.SubstreamCRCDefined = make([][]bool, len(si.Folders))
		si.SubstreamCRC = make([][]uint32, len(si.Folders))
		for i := range si.Folders {
			size, err := folderOutputSize(&si.Folders[i])
			if err != nil {
				return nil, err
			}
			si.NumUnpackStreamsInFolders[i] = 1
			si.SubstreamSizes[i] = []int64{size}
			si.SubstreamCRCDefined[i] = []bool{si.Folders[i].UnpackCRCDefined}
			si.SubstreamCRC[i] = []uint32{si.Folders[i].UnpackCRC}
		}
	}

	if tag != tagEnd {
		return nil, newErr(KindMalformed, "expected kEnd after StreamsInfo, got 0x%02X", tag)
	}

	return si, nil
}
