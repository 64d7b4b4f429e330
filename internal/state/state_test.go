package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

const (
	testAccount = "05aa11"
	testGroup   = "03bb22"
)

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetSeed([]byte("0123456789abcdef0123456789abcdef")))
	require.NoError(t, s1.SaveDump(DumpRecord{Owner: testAccount, Variant: "UserConfig", Data: []byte{1, 2}}))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), s2.Seed())
	got, err := s2.GetDump(testAccount, "UserConfig")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got)
}

// --- settings ---

func TestSeed_NilByDefault(t *testing.T) {
	s := testDB(t)
	assert.Nil(t, s.Seed())
}

func TestLinking_Toggle(t *testing.T) {
	s := testDB(t)
	assert.False(t, s.Linking())

	require.NoError(t, s.SetLinking(true))
	assert.True(t, s.Linking())

	require.NoError(t, s.SetLinking(false))
	assert.False(t, s.Linking())
}

// --- dumps ---

func TestSaveDump_Upserts(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.SaveDump(DumpRecord{Owner: testAccount, Variant: "ContactsConfig", Data: []byte("v1")}))
	require.NoError(t, s.SaveDump(DumpRecord{Owner: testAccount, Variant: "ContactsConfig", Data: []byte("v2")}))

	all, err := s.LoadAllDumps()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "v2", string(all[0].Data))
}

func TestSaveDump_RejectsEmptyKey(t *testing.T) {
	s := testDB(t)
	assert.Error(t, s.SaveDump(DumpRecord{Owner: "", Variant: "UserConfig"}))
	assert.Error(t, s.SaveDump(DumpRecord{Owner: testAccount}))
}

func TestGetDump_Missing(t *testing.T) {
	s := testDB(t)
	got, err := s.GetDump(testAccount, "ContactsConfig")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadAllDumps_SplitsOwnerAndVariant(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SaveDump(DumpRecord{Owner: testGroup, Variant: "MetaGroupConfig-" + testGroup, Data: []byte("m")}))

	all, err := s.LoadAllDumps()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, testGroup, all[0].Owner)
	assert.Equal(t, "MetaGroupConfig-"+testGroup, all[0].Variant)
}

func TestDeleteAllDumpsFor_OnlyThatOwner(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SaveDump(DumpRecord{Owner: testAccount, Variant: "UserConfig", Data: []byte("u")}))
	require.NoError(t, s.SaveDump(DumpRecord{Owner: testGroup, Variant: "MetaGroupConfig-" + testGroup, Data: []byte("g")}))
	require.NoError(t, s.SaveDump(DumpRecord{Owner: testGroup, Variant: "extra", Data: []byte("g2")}))

	require.NoError(t, s.DeleteAllDumpsFor(testGroup))

	all, err := s.LoadAllDumps()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, testAccount, all[0].Owner)
}

// --- jobs ---

func TestJobs_SaveListDelete(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.SaveJob(JobRecord{ID: "a", Identity: testAccount, Attempt: 1, MaxAttempts: 2, NextRunAt: 100}))
	require.NoError(t, s.SaveJob(JobRecord{ID: "b", Identity: testGroup, MaxAttempts: 2, NextRunAt: 200}))
	require.NoError(t, s.SaveJob(JobRecord{ID: "c", Identity: testAccount, Attempt: 2, MaxAttempts: 2, NextRunAt: 300}))

	jobs, err := s.AllJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	byIdentity := map[string]JobRecord{}
	for _, j := range jobs {
		byIdentity[j.Identity] = j
	}
	assert.Equal(t, "c", byIdentity[testAccount].ID)
	assert.Equal(t, 2, byIdentity[testAccount].Attempt)

	require.NoError(t, s.DeleteJob(testAccount))
	jobs, err = s.AllJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, testGroup, jobs[0].Identity)
}

// --- watermarks ---

func TestAdvanceWatermark_Monotonic(t *testing.T) {
	s := testDB(t)
	assert.Equal(t, int64(0), s.Watermark("ContactsConfig"))

	got, err := s.AdvanceWatermark("ContactsConfig", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got)

	got, err = s.AdvanceWatermark("ContactsConfig", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got)
	assert.Equal(t, int64(500), s.Watermark("ContactsConfig"))

	got, err = s.AdvanceWatermark("ContactsConfig", 900)
	require.NoError(t, err)
	assert.Equal(t, int64(900), got)
	assert.Equal(t, int64(0), s.Watermark("UserConfig"))
}

// --- cursors ---

func TestCursor_RoundTripAndDelete(t *testing.T) {
	s := testDB(t)
	assert.Equal(t, "", s.Cursor(testGroup, 13))

	require.NoError(t, s.SetCursor(testGroup, 13, "hashA"))
	require.NoError(t, s.SetCursor(testGroup, 14, "hashB"))
	require.NoError(t, s.SetCursor(testAccount, 2, "hashC"))

	assert.Equal(t, "hashA", s.Cursor(testGroup, 13))

	require.NoError(t, s.DeleteCursorsFor(testGroup))
	assert.Equal(t, "", s.Cursor(testGroup, 13))
	assert.Equal(t, "", s.Cursor(testGroup, 14))
	assert.Equal(t, "hashC", s.Cursor(testAccount, 2))
}
