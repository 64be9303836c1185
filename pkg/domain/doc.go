// Package domain defines the core types and collaborator contracts of the agent
// execution governance layer.
//
// This package has ZERO external dependencies outside the Go standard library.
// Everything that crosses a component boundary lives here:
//
//   - Request, ExecutionContext and ExecutionResult, the uniform execution contract
//   - FallbackReason and DataType, the machine-checkable degradation codes
//   - Kind and DomainError, the error taxonomy shared by every layer
//   - KnowledgeGraph, PatternEngine, PersistenceManager and EntityExtractor, the
//     external collaborators the executor drives but does not own
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
