// Package scheduler registers named cron/interval schedules and enqueues a
// task into the task engine each time one fires. It never runs jobs itself.
//
// postsched uses it for the periodic dashboard summary and journal pruning.
package scheduler
