package core

import "modulacms/pkg/domain"

type (
	EntityType         = domain.EntityType
	Severity           = domain.Severity
	Node               = domain.Node
	FieldValue         = domain.FieldValue
	ContentNode        = domain.ContentNode
	ContentTree        = domain.ContentTree
	Position           = domain.Position
	SubtreePolicy      = domain.SubtreePolicy
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	Rule               = domain.Rule
	RulesEngine        = domain.RulesEngine
	RuleViolationError = domain.RuleViolationError
	Transaction        = domain.Transaction
	TransactionView    = domain.TransactionView
	PersistentStore    = domain.PersistentStore
)

const (
	EntityNode  = domain.EntityNode
	EntityField = domain.EntityField
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine { return domain.NewRulesEngine() }
