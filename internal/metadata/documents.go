package metadata

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// 文件種類
const (
	DocTypeJob        = "devlance-job"
	DocTypeSubmission = "devlance-submission"
	docVersion        = "1.0"
	shortDescLimit    = 200
)

// ErrMissingField 文件缺少必要欄位
var ErrMissingField = errors.New("metadata must include title and shortDesc")

// Budget 工作預算
type Budget struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// JobDocument 工作描述
type JobDocument struct {
	Version     string   `json:"version"`
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	ShortDesc   string   `json:"shortDesc"`
	Description string   `json:"description"`
	Skills      []string `json:"skills"`
	Budget      Budget   `json:"budget"`
	Deadline    string   `json:"deadline,omitempty"`
	Client      string   `json:"client"`
	CreatedAt   string   `json:"createdAt"`
}

// SubmissionDocument 交付成果
type SubmissionDocument struct {
	Version     string   `json:"version"`
	Type        string   `json:"type"`
	JobID       uint64   `json:"jobId"`
	Title       string   `json:"title"`
	ShortDesc   string   `json:"shortDesc"`
	Description string   `json:"description"`
	Links       []string `json:"links"`
	Developer   string   `json:"developer"`
	Notes       string   `json:"notes"`
	SubmittedAt string   `json:"submittedAt"`
}

// NewJobDocument 建立工作描述文件
func NewJobDocument(title, description string, skills []string, budgetETH, deadline, client string, now time.Time) JobDocument {
	if skills == nil {
		skills = []string{}
	}
	return JobDocument{
		Version:     docVersion,
		Type:        DocTypeJob,
		Title:       title,
		ShortDesc:   description,
		Description: description,
		Skills:      skills,
		Budget:      Budget{Amount: budgetETH, Currency: "ETH"},
		Deadline:    deadline,
		Client:      client,
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}
}

// NewSubmissionDocument 建立交付成果文件，shortDesc 取描述前 200 字
func NewSubmissionDocument(jobID uint64, description string, links []string, developer, notes string, now time.Time) SubmissionDocument {
	if links == nil {
		links = []string{}
	}
	short := []rune(description)
	if len(short) > shortDescLimit {
		short = short[:shortDescLimit]
	}
	return SubmissionDocument{
		Version:     docVersion,
		Type:        DocTypeSubmission,
		JobID:       jobID,
		Title:       "Submission for Job #" + strconv.FormatUint(jobID, 10),
		ShortDesc:   string(short),
		Description: description,
		Links:       links,
		Developer:   developer,
		Notes:       notes,
		SubmittedAt: now.UTC().Format(time.RFC3339),
	}
}

// Validate 檢查文件是否有非空的 title 與 shortDesc
func Validate(doc []byte) error {
	var fields struct {
		Title     string `json:"title"`
		ShortDesc string `json:"shortDesc"`
	}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return errors.Wrapf(ErrInvalidDocument, "%v", err)
	}
	if strings.TrimSpace(fields.Title) == "" || strings.TrimSpace(fields.ShortDesc) == "" {
		return ErrMissingField
	}
	return nil
}
