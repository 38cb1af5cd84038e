package backend

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/santeplus/medportal/internal/errors"
)

func TestFormatDate(t *testing.T) {
	tests := []struct{ in, want string }{
		{"20240315", "15/03/2024"},
		{"", UnknownDate},
		{"2024031", UnknownDate},
		{"2024-03-1", UnknownDate},
		{"2024031a", UnknownDate},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDate(tt.in), "input %q", tt.in)
	}
}

func TestFormatTime(t *testing.T) {
	tests := []struct{ in, want string }{
		{"143005", "14:30:05"},
		{"143005.123456", "14:30:05"},
		{"1430", UnknownTime},
		{"", UnknownTime},
		{"14h300", UnknownTime},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatTime(tt.in), "input %q", tt.in)
	}
}

func TestPreviewPath(t *testing.T) {
	assert.Equal(t, "/api/medical/hopitaux/3/orthanc/instances/abc-1/preview", PreviewPath(3, "abc-1"))
	assert.Empty(t, PreviewPath(0, "abc-1"))
	assert.Empty(t, PreviewPath(3, ""))
}

func TestPatients(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/medical/hopitaux/3/patients-orthanc", r.URL.Path)
		assert.Equal(t, "Bearer stored", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"orthancUrl":"http://orthanc:8042","hopitalId":3,"hopitalNom":"CHU Nord",
			"patients":[{"id":"p-1","patientName":"DOE^JOHN","patientId":"123","studies":["s-1"],
			"mainDicomTags":{"PatientName":"DOE^JOHN","PatientID":"123","PatientBirthDate":"19800101"}}]}`)
	}))

	resp, err := c.Patients(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "CHU Nord", resp.HospitalName)
	require.Len(t, resp.Patients, 1)
	assert.Equal(t, "19800101", resp.Patients[0].MainDicomTags.PatientBirthDate)
}

func TestPatients_NoHospital(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.Patients(context.Background(), 0)
	assert.True(t, apperrors.IsValidation(err))
}

func TestPatientDetails_Paths(t *testing.T) {
	var paths []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = io.WriteString(w, `{"patientId":"p-1","patientBirthDate":"19800101",
			"studies":[{"id":"s-1","studyDate":"20240315","studyTime":"143005","series":[{"id":"se-1","bodyPartExamined":null,"instancesCount":12}]}]}`)
	}))

	d, err := c.PatientDetails(context.Background(), "p-1", 3)
	require.NoError(t, err)
	_, err = c.PatientDetails(context.Background(), "p-1", 0)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/api/medical/hopitaux/3/patients-orthanc/p-1/details",
		"/api/medical/patients-orthanc/p-1/details",
	}, paths)
	assert.Equal(t, "01/01/1980", d.FormattedBirthDate())
	require.Len(t, d.Studies, 1)
	assert.Equal(t, "15/03/2024", d.Studies[0].FormattedDate())
	assert.Equal(t, "14:30:05", d.Studies[0].FormattedTime())
	assert.Nil(t, d.Studies[0].Series[0].BodyPartExamined)
}

func TestPatientDetails_EscapesPatientID(t *testing.T) {
	var raw string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw = r.URL.EscapedPath()
		_, _ = io.WriteString(w, `{"patientId":"a b"}`)
	}))

	_, err := c.PatientDetails(context.Background(), "a b", 3)
	require.NoError(t, err)
	assert.Equal(t, "/api/medical/hopitaux/3/patients-orthanc/a%20b/details", raw)
}

func TestDicomServerURL(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/medical/hopitaux/7/dicom-url", r.URL.Path)
		_, _ = io.WriteString(w, `{"url":"http://orthanc-7:8042"}`)
	}))
	u, err := c.DicomServerURL(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "http://orthanc-7:8042", u)
}
