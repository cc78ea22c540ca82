package rvth

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"

	"github.com/bodgit/rvth/internal/testdisc"
	"github.com/bodgit/rvth/nhcd"
	"github.com/bodgit/rvth/wii"
	"github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
)

func TestRecrypt(t *testing.T) {
	tests := []struct {
		name       string
		bank       int
		target     wii.KeySet
		wantStatus wii.SignatureStatus
	}{
		{
			name:       "retail to korean",
			bank:       2,
			target:     wii.KeySetKorean,
			wantStatus: wii.Fakesigned,
		},
		{
			name:       "retail to debug",
			bank:       2,
			target:     wii.KeySetDebug,
			wantStatus: wii.Realsigned,
		},
		{
			name:       "debug to retail",
			bank:       3,
			target:     wii.KeySetRetail,
			wantStatus: wii.Fakesigned,
		},
		{
			name:       "dual layer",
			bank:       5,
			target:     wii.KeySetDebug,
			wantStatus: wii.Realsigned,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup(t)
			img := openImage(t, nil)
			before, _ := img.Bank(tt.bank)

			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			p := NewMockProgress(ctrl)
			gomock.InOrder(
				p.EXPECT().Update(int64(0), gomock.Any()),
				p.EXPECT().Update(gomock.Any(), gomock.Any()),
			)

			res, err := img.Recrypt(context.Background(), tt.bank, tt.target, p)
			if err != nil {
				t.Fatal(err)
			}
			if res.State != StateCompleted || res.Skipped || res.BytesCopied == 0 {
				t.Errorf("unexpected result: %+v", res)
			}

			e := res.Entry
			if e.KeySet != tt.target || e.TicketStatus != tt.wantStatus || e.TMDStatus != tt.wantStatus {
				t.Errorf("got %v %v/%v, want %v %v", e.KeySet, e.TicketStatus, e.TMDStatus, tt.target, tt.wantStatus)
			}
			if e.GameID != before.GameID || e.Size != before.Size || e.DiscType != before.DiscType {
				t.Errorf("disc changed from %+v to %+v", before, e)
			}

			// Survives reopening
			img.Close()
			img = openImage(t, nil)
			if e, _ = img.Bank(tt.bank); e.KeySet != tt.target {
				t.Errorf("KeySet after reopening = %v, want %v", e.KeySet, tt.target)
			}

			// and going back leaves the data readable
			if _, err = img.Recrypt(context.Background(), tt.bank, before.KeySet, nil); err != nil {
				t.Fatal(err)
			}
			if e, _ = img.Bank(tt.bank); e.KeySet != before.KeySet || e.TicketStatus != before.TicketStatus {
				t.Errorf("got %v %v, want %v %v", e.KeySet, e.TicketStatus, before.KeySet, before.TicketStatus)
			}
		})
	}
}

func TestRecryptNothingToDo(t *testing.T) {
	setup(t)
	img := openImage(t, nil)
	before := readImage(t)

	for _, target := range []wii.KeySet{wii.KeySetRetail, wii.KeySetNone} {
		res, err := img.Recrypt(context.Background(), 2, target, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Skipped || res.State != StateCompleted || res.BytesCopied != 0 {
			t.Errorf("unexpected result: %+v", res)
		}
	}

	if !reflect.DeepEqual(readImage(t), before) {
		t.Error("image modified")
	}
}

func TestRecryptErrors(t *testing.T) {
	setup(t)
	img := openImage(t, nil)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name      string
		ctx       context.Context
		bank      int
		target    wii.KeySet
		wantErr   error
		wantState State
	}{
		{"gamecube", context.Background(), 0, wii.KeySetRetail, wii.ErrNotWii, StateFailed},
		{"empty", context.Background(), 1, wii.KeySetRetail, ErrBankEmpty, StateFailed},
		{"deleted", context.Background(), 4, wii.KeySetRetail, ErrBankDeleted, StateFailed},
		{"second bank", context.Background(), 6, wii.KeySetRetail, ErrSecondBankOfDualLayer, StateFailed},
		{"out of range", context.Background(), 8, wii.KeySetRetail, ErrBankOutOfRange, StateFailed},
		{"unknown key set", context.Background(), 2, wii.KeySetUnknown, wii.ErrKeySet, StateFailed},
		{"cancelled", cancelled, 2, wii.KeySetKorean, ErrCancelled, StateCancelled},
	}

	before := readImage(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := img.Recrypt(tt.ctx, tt.bank, tt.target, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Recrypt() error = %v, want %v", err, tt.wantErr)
			}
			if res.State != tt.wantState {
				t.Errorf("State = %v, want %v", res.State, tt.wantState)
			}
		})
	}

	if !reflect.DeepEqual(readImage(t), before) {
		t.Error("image modified")
	}
}

func TestRecryptMissingKeys(t *testing.T) {
	setup(t)

	keys := testdisc.KeyStore()
	delete(keys.CommonKeys, wii.KeySetKorean)

	img, err := Open(imageName, &Options{Geometry: testdisc.Geometry, Keys: keys})
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()

	if _, err = img.Recrypt(context.Background(), 2, wii.KeySetKorean, nil); !errors.Is(err, wii.ErrMissingKey) {
		t.Errorf("Recrypt() error = %v, want %v", err, wii.ErrMissingKey)
	}
}

func TestBusy(t *testing.T) {
	setup(t)
	img := openImage(t, nil)
	writeFile(t, "/game.gcm", testdisc.GameCube("GNEW01", 0x20000))

	started, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	p := ProgressFunc(func(done, total int64) {
		if done == total {
			once.Do(func() {
				close(started)
				<-release
			})
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := img.Import(context.Background(), "/game.gcm", 0, true, p)
		done <- err
	}()

	select {
	case <-started:
	case err := <-done:
		t.Fatalf("Import() returned early: %v", err)
	}

	if _, err := img.Delete(2); !errors.Is(err, ErrBusy) {
		t.Errorf("Delete() error = %v, want %v", err, ErrBusy)
	}
	if _, err := img.Undelete(4); !errors.Is(err, ErrBusy) {
		t.Errorf("Undelete() error = %v, want %v", err, ErrBusy)
	}
	if _, err := img.Recrypt(context.Background(), 2, wii.KeySetKorean, nil); !errors.Is(err, ErrBusy) {
		t.Errorf("Recrypt() error = %v, want %v", err, ErrBusy)
	}
	if _, err := img.Import(context.Background(), "/game.gcm", 1, false, nil); !errors.Is(err, ErrBusy) {
		t.Errorf("Import() error = %v, want %v", err, ErrBusy)
	}
	if _, err := img.Extract(context.Background(), 0, "/out.gcm", nil); !errors.Is(err, ErrBankBusy) {
		t.Errorf("Extract() error = %v, want %v", err, ErrBankBusy)
	}

	// Other banks can still be read, and queries see the old table
	if _, err := img.Extract(context.Background(), 2, "/out.iso", nil); err != nil {
		t.Errorf("Extract() error = %v", err)
	}
	if e, _ := img.Bank(0); e.GameID != "GALE01" {
		t.Errorf("GameID = %q during import", e.GameID)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if e, _ := img.Bank(0); e.GameID != "GNEW01" || e.Status != StatusOccupied {
		t.Errorf("bank 0 after import: %v %q", e.Status, e.GameID)
	}
}

func TestConcurrentDelete(t *testing.T) {
	setup(t)
	img := openImage(t, nil)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, 4)

	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = img.Delete(0)
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrBusy), errors.Is(err, ErrAlreadyDeleted):
		default:
			t.Errorf("Delete() error = %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d deletes succeeded, want 1", succeeded)
	}
	if e, _ := img.Bank(0); e.Status != StatusDeleted {
		t.Errorf("Status = %v, want %v", e.Status, StatusDeleted)
	}
}

func TestOperationLogging(t *testing.T) {
	setup(t)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	img := openImage(t, &Options{Logger: logger})

	first, err := img.Delete(0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := img.Delete(0)
	if !errors.Is(err, ErrAlreadyDeleted) {
		t.Fatalf("Delete() error = %v, want %v", err, ErrAlreadyDeleted)
	}
	if first.ID == second.ID {
		t.Error("operations share an ID")
	}
	if first.Operation != OpDelete || first.Bank != 0 {
		t.Errorf("unexpected result: %+v", first)
	}

	var finished []*logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Message == "operation finished" {
			finished = append(finished, entry)
		}
	}
	if len(finished) != 2 {
		t.Fatalf("got %d finished operations, want 2", len(finished))
	}

	for i, tt := range []struct {
		res   *Result
		state State
		level logrus.Level
	}{
		{first, StateCompleted, logrus.InfoLevel},
		{second, StateFailed, logrus.InfoLevel},
	} {
		entry := finished[i]
		if entry.Data["id"] != tt.res.ID || entry.Data["operation"] != OpDelete || entry.Data["image"] != imageName {
			t.Errorf("entry %d: unexpected fields %v", i, entry.Data)
		}
		if entry.Data["state"] != tt.state || entry.Level != tt.level {
			t.Errorf("entry %d: %v at %v, want %v at %v", i, entry.Data["state"], entry.Level, tt.state, tt.level)
		}
	}
	if _, ok := finished[1].Data[logrus.ErrorKey]; !ok {
		t.Error("failed operation logged without an error")
	}
}

// recorder notes which part of the image each write lands in and when it is
// synced, collapsing repeats.
type recorder struct {
	events []string
}

func (r *recorder) record(what string) {
	if n := len(r.events); n > 0 && r.events[n-1] == what {
		return
	}
	r.events = append(r.events, what)
}

type recordingFs struct {
	afero.Fs
	rec *recorder
}

func (fs *recordingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil || name != imageName {
		return f, err
	}
	return &recordingFile{File: f, rec: fs.rec}, nil
}

type recordingFile struct {
	afero.File
	rec *recorder
}

func (f *recordingFile) WriteAt(b []byte, off int64) (int, error) {
	if off < testdisc.Geometry.BankOffset(0) {
		f.rec.record("table")
	} else {
		f.rec.record("bank")
	}
	return f.File.WriteAt(b, off)
}

func (f *recordingFile) Sync() error {
	f.rec.record("sync")
	return f.File.Sync()
}

func TestWriteOrder(t *testing.T) {
	setup(t)
	writeFile(t, "/game.gcm", gameCube)

	rec := new(recorder)
	fs = &recordingFs{Fs: fs, rec: rec}
	img := openImage(t, nil)

	tests := []struct {
		name string
		op   func() error
		want []string
	}{
		{
			name: "import",
			op: func() error {
				_, err := img.Import(context.Background(), "/game.gcm", 1, false, nil)
				return err
			},
			want: []string{"bank", "sync", "table", "sync"},
		},
		{
			name: "cancelled import",
			op: func() error {
				_, err := img.Import(&cancelAfter{Context: context.Background(), n: 1}, "/game.gcm", 7, false, nil)
				switch {
				case errors.Is(err, ErrCancelled):
					return nil
				case err == nil:
					return errors.New("import not cancelled")
				}
				return err
			},
			want: []string{"bank", "sync", "table", "sync"},
		},
		{
			name: "recrypt",
			op: func() error {
				_, err := img.Recrypt(context.Background(), 2, wii.KeySetKorean, nil)
				return err
			},
			want: []string{"bank", "sync", "table", "sync"},
		},
		{
			name: "delete",
			op: func() error {
				_, err := img.Delete(0)
				return err
			},
			want: []string{"table", "sync"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec.events = nil
			if err := tt.op(); err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(rec.events, tt.want) {
				t.Errorf("writes = %v, want %v", rec.events, tt.want)
			}
		})
	}
}

func TestClaimEntry(t *testing.T) {
	setup(t)
	img := openImage(t, nil)

	e, err := img.claimEntry(0)
	if err != nil {
		t.Fatal(err)
	}
	if e.GameID != "GALE01" {
		t.Errorf("GameID = %q", e.GameID)
	}
	if _, err = img.claimEntry(0); !errors.Is(err, ErrBankBusy) {
		t.Errorf("claimEntry() error = %v, want %v", err, ErrBankBusy)
	}
	img.release(0)

	tests := []struct {
		bank    int
		wantErr error
	}{
		{1, ErrBankEmpty},
		{4, ErrBankDeleted},
		{6, ErrSecondBankOfDualLayer},
		{8, ErrBankOutOfRange},
		{-1, ErrBankOutOfRange},
	}

	for _, tt := range tests {
		if _, err = img.claimEntry(tt.bank); !errors.Is(err, tt.wantErr) {
			t.Errorf("claimEntry(%d) error = %v, want %v", tt.bank, err, tt.wantErr)
		}
	}

	// The status is whatever it is when the claim is made
	if _, err = img.Delete(0); err != nil {
		t.Fatal(err)
	}
	if _, err = img.claimEntry(0); !errors.Is(err, ErrBankDeleted) {
		t.Errorf("claimEntry() error = %v, want %v", err, ErrBankDeleted)
	}
	if _, err = img.Extract(context.Background(), 0, "/out.gcm", nil); !errors.Is(err, ErrBankDeleted) {
		t.Errorf("Extract() error = %v, want %v", err, ErrBankDeleted)
	}
}

func TestImportTableOffset(t *testing.T) {
	setup(t)

	// Move bank 1 half a bank along
	lba := testdisc.Geometry.BankLBA(1) + testdisc.Geometry.BankSizeLBA/2
	f, err := fs.OpenFile(imageName, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	table, err := nhcd.Read(f)
	if err != nil {
		t.Fatal(err)
	}
	table.Entries[1].LBAStart = lba
	if err = table.Write(f); err != nil {
		t.Fatal(err)
	}
	f.Close()

	off := int64(lba) * nhcd.SectorSize
	game := testdisc.GameCube("GOFF01", 0x20000)
	writeFile(t, "/game.gcm", game)

	img := openImage(t, nil)
	if e, _ := img.Bank(1); e.Offset != off {
		t.Fatalf("Offset = %d, want %d", e.Offset, off)
	}

	if _, err = img.Import(context.Background(), "/game.gcm", 1, false, nil); err != nil {
		t.Fatal(err)
	}

	b := readImage(t)
	if !reflect.DeepEqual(b[off:off+int64(len(game))], game) {
		t.Error("image not written at the bank offset")
	}
	start := testdisc.Geometry.BankOffset(1)
	if !reflect.DeepEqual(b[start:start+0x100], make([]byte, 0x100)) {
		t.Error("image written at the default bank offset")
	}

	img.Close()
	img = openImage(t, nil)
	if e, _ := img.Bank(1); e.Offset != off || e.GameID != "GOFF01" || e.Status != StatusOccupied {
		t.Errorf("bank 1 after reopening: %v %q at %d", e.Status, e.GameID, e.Offset)
	}
}
