// Package dsl implements the condition language used by workflow
// connections and conditional steps.
//
// Expressions read workflow state through dotted paths and combine
// literals with comparison, contains and boolean operators. There are no
// function calls and no side effects. A missing path evaluates to an absent
// value that is falsy and never compares true.
package dsl
