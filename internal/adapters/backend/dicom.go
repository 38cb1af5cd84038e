package backend

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// Labels used when DICOM date/time attributes are missing or malformed.
const (
	UnknownDate = "Date inconnue"
	UnknownTime = "Heure inconnue"
)

// PatientTags are the main DICOM tags of a patient.
type PatientTags struct {
	PatientName      string `json:"PatientName"`
	PatientID        string `json:"PatientID"`
	PatientBirthDate string `json:"PatientBirthDate,omitempty"`
	PatientSex       string `json:"PatientSex,omitempty"`
}

// Patient is one entry of a hospital's imaging patient listing.
type Patient struct {
	ID            string      `json:"id"`
	PatientName   string      `json:"patientName"`
	PatientBirth  string      `json:"patientBirthDate"`
	PatientSex    string      `json:"patientSex"`
	PatientID     string      `json:"patientId"`
	IsStable      bool        `json:"isStable"`
	LastUpdate    string      `json:"lastUpdate"`
	Studies       []string    `json:"studies"`
	MainDicomTags PatientTags `json:"mainDicomTags"`
}

// Series is a DICOM series inside a study.
type Series struct {
	ID               string         `json:"id"`
	Description      string         `json:"seriesDescription"`
	Number           string         `json:"seriesNumber"`
	Modality         string         `json:"modality"`
	InstanceUID      string         `json:"seriesInstanceUID"`
	BodyPartExamined *string        `json:"bodyPartExamined"`
	IsStable         bool           `json:"isStable"`
	LastUpdate       string         `json:"lastUpdate"`
	InstancesCount   int            `json:"instancesCount"`
	MainDicomTags    map[string]any `json:"seriesMainDicomTags,omitempty"`
}

// Study is a DICOM study with its series.
type Study struct {
	ID              string         `json:"id"`
	Date            string         `json:"studyDate"`
	Time            string         `json:"studyTime"`
	Description     string         `json:"studyDescription"`
	InstanceUID     string         `json:"studyInstanceUID"`
	AccessionNumber string         `json:"accessionNumber"`
	IsStable        bool           `json:"isStable"`
	LastUpdate      string         `json:"lastUpdate"`
	MainDicomTags   map[string]any `json:"studyMainDicomTags,omitempty"`
	Series          []Series       `json:"series"`
}

// FormattedDate returns the study date as DD/MM/YYYY.
func (s Study) FormattedDate() string { return FormatDate(s.Date) }

// FormattedTime returns the study time as HH:MM:SS.
func (s Study) FormattedTime() string { return FormatTime(s.Time) }

// PatientsResponse lists the imaging patients of one hospital.
type PatientsResponse struct {
	OrthancURL   string    `json:"orthancUrl"`
	HospitalID   int64     `json:"hopitalId"`
	HospitalName string    `json:"hopitalNom"`
	Patients     []Patient `json:"patients"`
}

// PatientDetails is a patient with all studies and series.
type PatientDetails struct {
	OrthancURL    string         `json:"orthancUrl"`
	HospitalID    int64          `json:"hopitalId"`
	HospitalName  string         `json:"hopitalNom"`
	PatientID     string         `json:"patientId"`
	PatientName   string         `json:"patientName"`
	PatientBirth  string         `json:"patientBirthDate"`
	PatientSex    string         `json:"patientSex"`
	PatientIDDcm  string         `json:"patientIdDicom"`
	IsStable      bool           `json:"isStable"`
	LastUpdate    string         `json:"lastUpdate"`
	MainDicomTags map[string]any `json:"patientMainDicomTags,omitempty"`
	Studies       []Study        `json:"studies"`
}

// FormattedBirthDate returns the birth date as DD/MM/YYYY.
func (p PatientDetails) FormattedBirthDate() string { return FormatDate(p.PatientBirth) }

// DicomServerURL returns the imaging server URL configured for a hospital.
func (c *Client) DicomServerURL(ctx context.Context, hospitalID int64) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.getJSON(ctx, hospitalPath(hospitalID)+"/dicom-url", &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// Patients lists the imaging patients of a hospital.
func (c *Client) Patients(ctx context.Context, hospitalID int64) (PatientsResponse, error) {
	if hospitalID <= 0 {
		return PatientsResponse{}, errNoHospital
	}
	var out PatientsResponse
	if err := c.getJSON(ctx, hospitalPath(hospitalID)+"/patients-orthanc", &out); err != nil {
		return PatientsResponse{}, err
	}
	return out, nil
}

// PatientDetails loads one patient. A hospitalID of zero searches every
// hospital.
func (c *Client) PatientDetails(ctx context.Context, patientID string, hospitalID int64) (PatientDetails, error) {
	path := "/api/medical/patients-orthanc/" + url.PathEscape(patientID) + "/details"
	if hospitalID > 0 {
		path = hospitalPath(hospitalID) + "/patients-orthanc/" + url.PathEscape(patientID) + "/details"
	}
	var out PatientDetails
	if err := c.getJSON(ctx, path, &out); err != nil {
		return PatientDetails{}, err
	}
	return out, nil
}

// PreviewPath returns the backend path of an instance preview image, or ""
// when no hospital is known.
func PreviewPath(hospitalID int64, instanceID string) string {
	if hospitalID <= 0 || instanceID == "" {
		return ""
	}
	return hospitalPath(hospitalID) + "/orthanc/instances/" + url.PathEscape(instanceID) + "/preview"
}

func hospitalPath(id int64) string {
	return "/api/medical/hopitaux/" + strconv.FormatInt(id, 10)
}

// FormatDate renders a DICOM DA value (YYYYMMDD) as DD/MM/YYYY.
func FormatDate(da string) string {
	if len(da) != 8 || !digits(da) {
		return UnknownDate
	}
	return fmt.Sprintf("%s/%s/%s", da[6:8], da[4:6], da[0:4])
}

// FormatTime renders a DICOM TM value (HHMMSS[.ffffff]) as HH:MM:SS.
func FormatTime(tm string) string {
	if len(tm) < 6 || !digits(tm[:6]) {
		return UnknownTime
	}
	return fmt.Sprintf("%s:%s:%s", tm[0:2], tm[2:4], tm[4:6])
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
