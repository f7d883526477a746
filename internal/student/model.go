package student

import (
	"time"

	"github.com/uptrace/bun"
)

type Student struct {
	bun.BaseModel `bun:"table:students,alias:s"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	StudentNo string    `bun:"student_no,unique,notnull" json:"studentNo"`
	FullName  string    `bun:"full_name,notnull" json:"fullName"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// CreateStudentRequest is the request body for registering a student
type CreateStudentRequest struct {
	StudentNo string `json:"studentNo" validate:"required,alphanum,max=32"`
	FullName  string `json:"fullName" validate:"required,max=200"`
}
