package filetype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mimetype string
		size     int64
		wantErr  error
	}{
		{name: "png ok", mimetype: "image/png", size: 1 << 20},
		{name: "mime normalised", mimetype: " IMAGE/PNG ", size: 1024},
		{name: "unsupported type", mimetype: "application/x-msdownload", size: 100, wantErr: ErrUnsupportedType},
		{name: "oversize image", mimetype: "image/png", size: 11 << 20, wantErr: ErrFileTooLarge},
		{name: "zero size", mimetype: "image/png", size: 0, wantErr: ErrFileTooLarge},
		{name: "video within limit", mimetype: "video/mp4", size: 49 << 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := Validate(tt.mimetype, tt.size)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, entry.Category)
		})
	}
}

func TestLookup(t *testing.T) {
	entry, ok := Lookup("application/pdf")
	require.True(t, ok)
	assert.Equal(t, CategoryDocument, entry.Category)
	assert.Equal(t, "pdf", entry.Subtype)
	assert.True(t, entry.Previewable)

	_, ok = Lookup("text/html")
	assert.False(t, ok)
}

func TestCategoryName(t *testing.T) {
	assert.Equal(t, "이미지", CategoryName(CategoryImage))
	assert.Equal(t, "문서", CategoryName(CategoryDocument))
	assert.Equal(t, "unknown", CategoryName("unknown"))
}
