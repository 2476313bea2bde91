package imagestore_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/imagestore/pkg/imagestore"
	storememory "github.com/clinicore/imagestore/pkg/imagestore/assetstore/memory"
	"github.com/clinicore/imagestore/pkg/imagestore/extract"
	repomemory "github.com/clinicore/imagestore/pkg/imagestore/repo/memory"
)

const (
	clinicA = int64(1)
	clinicB = int64(2)

	doctorA = int64(100) // uploader at clinic A
	doctorB = int64(200) // uploader at clinic B
	adminA  = int64(101) // admin of clinic A
	adminB  = int64(201) // admin of clinic B
	nobody  = int64(999) // not an admin anywhere
)

type fixture struct {
	svc     imagestore.Service
	store   *storememory.Store
	catalog *repomemory.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clinics := imagestore.NewStaticClinicDirectory()
	clinics.AddClinic(clinicA, adminA)
	clinics.AddClinic(clinicB, adminB)

	store := storememory.New()
	catalog := repomemory.New()

	svc, err := imagestore.New(
		imagestore.WithCatalog(catalog),
		imagestore.WithAssetStore(store),
		imagestore.WithExtractor(extract.New()),
		imagestore.WithClinicDirectory(clinics),
	)
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, catalog: catalog}
}

func redPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (f *fixture) upload(t *testing.T, clinicID, userID int64, name string, data []byte) *imagestore.CatalogRecord {
	t.Helper()
	record, err := f.svc.Upload(context.Background(), imagestore.UploadRequest{
		ClinicID:     clinicID,
		UserID:       userID,
		FileName:     name,
		MimeType:     "image/png",
		Data:         bytes.NewReader(data),
		DeclaredSize: int64(len(data)),
	})
	require.NoError(t, err)
	return record
}

func TestUploadCreatesRecordWithMetadata(t *testing.T) {
	f := newFixture(t)
	data := redPNG(t, 100, 100)

	record := f.upload(t, clinicA, doctorA, "scan.png", data)

	assert.NotZero(t, record.ID)
	assert.Equal(t, clinicA, record.ClinicID)
	assert.Equal(t, doctorA, record.UploadedBy)
	assert.Equal(t, int64(len(data)), record.Size)
	require.NotNil(t, record.Metadata)
	assert.Equal(t, 100, *record.Metadata.Width)
	assert.Equal(t, 100, *record.Metadata.Height)
}

func TestUploadUnknownClinic(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Upload(context.Background(), imagestore.UploadRequest{
		ClinicID: 77,
		UserID:   doctorA,
		FileName: "scan.png",
		MimeType: "image/png",
		Data:     bytes.NewReader([]byte("bytes")),
	})
	assert.ErrorIs(t, err, imagestore.ErrClinicNotFound)
}

func TestUploadUnparseableContentSoftFails(t *testing.T) {
	f := newFixture(t)

	record := f.upload(t, clinicA, doctorA, "broken.png", []byte("not a png"))
	assert.Nil(t, record.Metadata)

	// The upload itself succeeded; the bytes are retrievable.
	rc, _, err := f.svc.Download(context.Background(), record.ID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, []byte("not a png"), got)
}

func TestIdenticalUploadsShareOneAsset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := redPNG(t, 100, 100)

	first := f.upload(t, clinicA, doctorA, "a.png", data)
	second := f.upload(t, clinicB, doctorB, "b.png", data)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Identity, second.Identity)

	stat, err := f.store.Stat(ctx, first.Identity)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stat.RefCount)

	// Deleting one record leaves the other's bytes intact.
	require.NoError(t, f.svc.Delete(ctx, first.ID, doctorA))

	rc, record, err := f.svc.Download(ctx, second.ID)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "b.png", record.FileName)

	stat, err = f.store.Stat(ctx, first.Identity)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.RefCount)
}

func TestDeleteAuthorization(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		userID  int64
		wantErr error
	}{
		{"uploader may delete", doctorA, nil},
		{"clinic admin may delete", adminA, nil},
		{"other clinic admin may not", adminB, imagestore.ErrForbidden},
		{"unrelated user may not", nobody, imagestore.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			record := f.upload(t, clinicA, doctorA, "scan.png", redPNG(t, 10, 10))

			err := f.svc.Delete(ctx, record.ID, tt.userID)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				// A forbidden delete leaves everything untouched.
				_, err := f.svc.Get(ctx, record.ID)
				assert.NoError(t, err)
				return
			}
			require.NoError(t, err)
			_, err = f.svc.Get(ctx, record.ID)
			assert.ErrorIs(t, err, imagestore.ErrRecordNotFound)
		})
	}
}

func TestDeleteUnknownRecord(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Delete(context.Background(), 404, doctorA)
	assert.ErrorIs(t, err, imagestore.ErrRecordNotFound)
}

func TestListByClinicPagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var ids []int64
	for i := 0; i < 5; i++ {
		record := f.upload(t, clinicA, doctorA, "scan.png", redPNG(t, 10+i, 10))
		ids = append(ids, record.ID)
	}

	page, err := f.svc.ListByClinic(ctx, clinicA, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)

	all, err := f.svc.ListByClinic(ctx, clinicA, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	empty, err := f.svc.ListByClinic(ctx, clinicB, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRefreshMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	record := f.upload(t, clinicA, doctorA, "scan.png", redPNG(t, 32, 16))
	require.NotNil(t, record.Metadata)

	// Wipe the cached metadata, then refresh from the stored bytes.
	require.NoError(t, f.catalog.UpdateRecordMetadata(ctx, record.ID, nil))

	refreshed, err := f.svc.RefreshMetadata(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, refreshed.Metadata)
	assert.Equal(t, 32, *refreshed.Metadata.Width)
	assert.Equal(t, 16, *refreshed.Metadata.Height)
}

func TestReconcileReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := redPNG(t, 10, 10)

	record := f.upload(t, clinicA, doctorA, "a.png", data)
	f.upload(t, clinicB, doctorB, "b.png", data)

	// Simulate a leaked count: an extra Put reference nothing in the catalog
	// accounts for.
	_, err := f.store.Put(ctx, bytes.NewReader(data), -1)
	require.NoError(t, err)

	require.NoError(t, f.svc.ReconcileReferences(ctx))

	stat, err := f.store.Stat(ctx, record.Identity)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stat.RefCount)
}

// Share flow

func TestShareImageFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	record := f.upload(t, clinicA, doctorA, "scan.png", redPNG(t, 10, 10))

	share, err := f.svc.ShareImage(ctx, imagestore.ShareImageRequest{
		ImageID:    record.ID,
		UserID:     doctorA,
		ToClinicID: clinicB,
		Type:       imagestore.ShareTypeConsultation,
		Message:    "please advise",
	})
	require.NoError(t, err)
	assert.Equal(t, imagestore.ShareStatusPending, share.Status)
	assert.Equal(t, clinicA, share.FromClinicID)

	t.Run("non-admin of receiving clinic may not respond", func(t *testing.T) {
		_, err := f.svc.RespondToShare(ctx, imagestore.ShareResponseRequest{
			ShareID: share.ID,
			UserID:  doctorB,
			Approve: true,
		})
		assert.ErrorIs(t, err, imagestore.ErrForbidden)
	})

	t.Run("receiving clinic admin approves", func(t *testing.T) {
		resolved, err := f.svc.RespondToShare(ctx, imagestore.ShareResponseRequest{
			ShareID: share.ID,
			UserID:  adminB,
			Approve: true,
			Message: "accepted",
		})
		require.NoError(t, err)
		assert.Equal(t, imagestore.ShareStatusApproved, resolved.Status)
		assert.Equal(t, "accepted", resolved.ResponseMessage)
	})

	t.Run("resolved share cannot be resolved again", func(t *testing.T) {
		_, err := f.svc.RespondToShare(ctx, imagestore.ShareResponseRequest{
			ShareID: share.ID,
			UserID:  adminB,
			Approve: false,
		})
		assert.ErrorIs(t, err, imagestore.ErrShareNotPending)
	})
}

func TestShareRequiresPermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	record := f.upload(t, clinicA, doctorA, "scan.png", redPNG(t, 10, 10))

	_, err := f.svc.ShareImage(ctx, imagestore.ShareImageRequest{
		ImageID:    record.ID,
		UserID:     nobody,
		ToClinicID: clinicB,
	})
	assert.ErrorIs(t, err, imagestore.ErrForbidden)
}

func TestShareToUnknownClinic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	record := f.upload(t, clinicA, doctorA, "scan.png", redPNG(t, 10, 10))

	_, err := f.svc.ShareImage(ctx, imagestore.ShareImageRequest{
		ImageID:    record.ID,
		UserID:     doctorA,
		ToClinicID: 77,
	})
	assert.ErrorIs(t, err, imagestore.ErrClinicNotFound)
}

func TestApprovedTransferRehomesRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	record := f.upload(t, clinicA, doctorA, "scan.png", redPNG(t, 10, 10))

	share, err := f.svc.ShareImage(ctx, imagestore.ShareImageRequest{
		ImageID:    record.ID,
		UserID:     doctorA,
		ToClinicID: clinicB,
		Type:       imagestore.ShareTypeTransfer,
	})
	require.NoError(t, err)

	_, err = f.svc.RespondToShare(ctx, imagestore.ShareResponseRequest{
		ShareID: share.ID,
		UserID:  adminB,
		Approve: true,
	})
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, clinicB, got.ClinicID)
}

func TestExpiredShareCannotBeResolved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	record := f.upload(t, clinicA, doctorA, "scan.png", redPNG(t, 10, 10))

	past := time.Now().UTC().Add(-time.Hour)
	share, err := f.svc.ShareImage(ctx, imagestore.ShareImageRequest{
		ImageID:    record.ID,
		UserID:     doctorA,
		ToClinicID: clinicB,
		ExpiresAt:  &past,
	})
	require.NoError(t, err)

	_, err = f.svc.RespondToShare(ctx, imagestore.ShareResponseRequest{
		ShareID: share.ID,
		UserID:  adminB,
		Approve: true,
	})
	assert.ErrorIs(t, err, imagestore.ErrShareExpired)

	// Expiry was persisted.
	got, err := f.catalog.GetShare(ctx, share.ID)
	require.NoError(t, err)
	assert.Equal(t, imagestore.ShareStatusExpired, got.Status)
}

func TestListSharesMarksExpiredOnRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	record := f.upload(t, clinicA, doctorA, "scan.png", redPNG(t, 10, 10))

	past := time.Now().UTC().Add(-time.Minute)
	_, err := f.svc.ShareImage(ctx, imagestore.ShareImageRequest{
		ImageID:    record.ID,
		UserID:     doctorA,
		ToClinicID: clinicB,
		ExpiresAt:  &past,
	})
	require.NoError(t, err)

	shares, err := f.svc.ListSharesByClinic(ctx, clinicA)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, imagestore.ShareStatusExpired, shares[0].Status)
}

func TestListSharesByType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	record := f.upload(t, clinicA, doctorA, "scan.png", redPNG(t, 10, 10))

	for _, typ := range []imagestore.ShareType{
		imagestore.ShareTypeView,
		imagestore.ShareTypeConsultation,
		imagestore.ShareTypeView,
	} {
		_, err := f.svc.ShareImage(ctx, imagestore.ShareImageRequest{
			ImageID:    record.ID,
			UserID:     doctorA,
			ToClinicID: clinicB,
			Type:       typ,
		})
		require.NoError(t, err)
	}

	views, err := f.svc.ListSharesByType(ctx, clinicA, imagestore.ShareTypeView)
	require.NoError(t, err)
	assert.Len(t, views, 2)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := imagestore.New()
	assert.Error(t, err)

	_, err = imagestore.New(imagestore.WithCatalog(repomemory.New()))
	assert.Error(t, err)

	_, err = imagestore.New(
		imagestore.WithCatalog(repomemory.New()),
		imagestore.WithAssetStore(storememory.New()),
	)
	assert.Error(t, err)
}
