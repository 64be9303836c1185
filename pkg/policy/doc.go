// Package policy decides whether a direct, unsanctioned agent access may
// proceed. Decisions come from Rego modules evaluated by an embedded Open
// Policy Agent engine; the default module refuses every direct access while
// strict mode is on, and operators can layer extra deny rules on top.
package policy
