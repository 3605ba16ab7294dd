package models

// TenantScope is the resolved caller boundary every repository call consumes. Elevated callers may read and
// write across tenants; TenantID is still the tenant new records are created under.
type TenantScope struct {
	TenantID string `json:"tenant_id"`
	Elevated bool   `json:"elevated"`
}

// Allows reports whether a record owned by tenantID is visible to the scope.
func (s TenantScope) Allows(tenantID string) bool {
	return s.Elevated || (s.TenantID != "" && s.TenantID == tenantID)
}

// Reference identifies a foreign record the engine validates but does not own.
type Reference struct {
	Kind string
	ID   string
}

// Reference kinds resolved by the reference-data provider.
const (
	RefClass        = "class"
	RefSubject      = "subject"
	RefTeacher      = "teacher"
	RefTerm         = "term"
	RefAcademicYear = "academic_year"
	RefStudent      = "student"
)

// StudentPlacement is the stream (class section) a student sits in.
type StudentPlacement struct {
	StudentID string  `db:"student_id" json:"student_id"`
	ClassID   string  `db:"class_id" json:"class_id"`
	StreamID  *string `db:"stream_id" json:"stream_id,omitempty"`
}
