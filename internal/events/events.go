// Package events 定義帳本對外發出的通知
package events

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

// Type 事件種類
type Type string

const (
	TypeJobCreated             Type = "JobCreated"
	TypeJobAccepted            Type = "JobAccepted"
	TypeWorkSubmitted          Type = "WorkSubmitted"
	TypeFullPaymentReleased    Type = "FullPaymentReleased"
	TypePartialPaymentReleased Type = "PartialPaymentReleased"
	TypeJobCancelled           Type = "JobCancelled"
)

// namespace 事件 ID 的 UUIDv5 命名空間；同一序號永遠得到同一個 ID，
// 恢復時重新發出的事件與第一次發出的相同
var namespace = uuid.MustParse("6f0c3c1e-52a4-4d39-9a86-3be8a1f4f0c2")

// Event 帳本事件，只有與 Type 相關的欄位會被設定
type Event struct {
	Seq   uint64      `json:"seq"`
	ID    uuid.UUID   `json:"id"`
	Type  Type        `json:"type"`
	JobID types.JobID `json:"job_id"`
	Time  int64       `json:"time"` // Unix 毫秒

	Client        types.Account `json:"client,omitempty"`
	Developer     types.Account `json:"developer,omitempty"`
	MetadataRef   string        `json:"metadata_ref,omitempty"`
	SubmissionRef string        `json:"submission_ref,omitempty"`
	Deadline      int64         `json:"deadline_ms,omitempty"`

	Amount    *money.Amount `json:"amount,omitempty"`     // JobCreated
	TotalPaid *money.Amount `json:"total_paid,omitempty"` // FullPaymentReleased
	Payout    *money.Amount `json:"payout,omitempty"`     // PartialPaymentReleased
	Refund    *money.Amount `json:"refund,omitempty"`     // PartialPaymentReleased / JobCancelled

	Reason types.CloseReason `json:"reason,omitempty"` // JobCancelled
}

func amountPtr(a money.Amount) *money.Amount { return &a }

// stamp 設定序號與 ID
func (e *Event) stamp(seq uint64) {
	e.Seq = seq
	e.ID = uuid.NewSHA1(namespace, []byte(strconv.FormatUint(seq, 10)+"/"+string(e.Type)+"/"+e.JobID.String()))
}

// JobCreated 客戶建立工作並鎖定資金
func JobCreated(job types.Job) Event {
	return Event{
		Type:        TypeJobCreated,
		JobID:       job.ID,
		Time:        job.CreatedAt,
		Client:      job.Client,
		MetadataRef: job.MetadataRef,
		Amount:      amountPtr(job.Amount),
		Deadline:    job.Deadline,
	}
}

// JobAccepted 開發者接案
func JobAccepted(job types.Job) Event {
	return Event{
		Type:      TypeJobAccepted,
		JobID:     job.ID,
		Time:      job.UpdatedAt,
		Developer: job.Developer,
	}
}

// WorkSubmitted 開發者提交成果
func WorkSubmitted(job types.Job) Event {
	return Event{
		Type:          TypeWorkSubmitted,
		JobID:         job.ID,
		Time:          job.UpdatedAt,
		SubmissionRef: job.SubmissionRef,
	}
}

// FullPaymentReleased 全額撥款給開發者
func FullPaymentReleased(job types.Job, totalPaid money.Amount) Event {
	return Event{
		Type:      TypeFullPaymentReleased,
		JobID:     job.ID,
		Time:      job.UpdatedAt,
		Developer: job.Developer,
		TotalPaid: amountPtr(totalPaid),
	}
}

// PartialPaymentReleased 部分撥款，其餘退還客戶
func PartialPaymentReleased(job types.Job, payout, refund money.Amount) Event {
	return Event{
		Type:      TypePartialPaymentReleased,
		JobID:     job.ID,
		Time:      job.UpdatedAt,
		Developer: job.Developer,
		Payout:    amountPtr(payout),
		Refund:    amountPtr(refund),
	}
}

// JobCancelled 客戶在接案前撤回工作
func JobCancelled(job types.Job, refunded money.Amount) Event {
	return Event{
		Type:   TypeJobCancelled,
		JobID:  job.ID,
		Time:   job.UpdatedAt,
		Client: job.Client,
		Refund: amountPtr(refunded),
		Reason: job.CloseReason,
	}
}
