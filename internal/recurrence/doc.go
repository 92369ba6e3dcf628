// Package recurrence turns a schedule description into the next execution instant.
//
// A schedule is one of four variants:
//
//	Once{At}                       one-shot at a fixed instant
//	Interval{Every}                now + Every, re-anchored on every evaluation
//	Cron{Expr}                     delegated to a CronEvaluator
//	Calendar{Period, At, Days}     daily / weekly / monthly wall-clock times
//
// Evaluation is pure: callers pass "now" and the job's location explicitly.
package recurrence
