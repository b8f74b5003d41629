package dmcrypt

import "time"

// newTestMapping builds a minimal, fully wired Mapping without going through
// New/ParseTarget, for component tests that only need the collaborators a
// given file actually touches. Callers mutate the returned Mapping further
// before exercising it.
func newTestMapping(t interface {
	Fatal(...any)
}, cipherSpec string, sectorSize int) *Mapping {
	spec, err := parseCipherSpec(cipherSpec)
	if err != nil {
		t.Fatal(err)
	}
	factory, ivSize, err := newEngineFactory(spec)
	if err != nil {
		t.Fatal(err)
	}
	m := &Mapping{
		SectorSize: sectorSize,
		kind:       spec.kind,
		ivMode:     spec.ivMode,
		ivSize:     ivSize,
		tfmsCount:  spec.keyCount,
	}
	ivGen, err := NewIVGenerator(spec.ivMode, IVGenOptions{IVSize: ivSize, CipherBlockSize: ivSize})
	if err != nil {
		t.Fatal(err)
	}
	m.ivGen = ivGen
	m.engines = make([]Engine, m.tfmsCount)
	for i := range m.engines {
		m.engines[i] = factory()
	}
	m.descPool = newDescPool(ivSize)
	m.pagePool = newPagePool(minPoolPages*8, 1)
	m.log = NewRateLimitedLogger(nil, "test-mapping", "/dev/test", time.Second)
	m.writeSeq = newWriteSequencer(m.submitWriteClone)
	return m
}

func (m *Mapping) setKeyForTest(t interface{ Fatal(...any) }, key []byte) {
	for i, e := range m.engines {
		subkeySize := len(key) / m.tfmsCount
		if err := e.SetKey(key[i*subkeySize : (i+1)*subkeySize]); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.ivGen.Init(key); err != nil {
		t.Fatal(err)
	}
}
