package postgres

// SQL fragment constants, one per manager operation, named after the
// operation they serve. Grounded on taskharbor's queries.go (named
// Q<Verb> string constants) and the teacher's inline SQL literals
// pulled out the same way.

const qInsertJob = `
INSERT INTO job (
	id, name, priority, data, state,
	retry_limit, retry_delay, retry_backoff,
	start_after, singleton_key, singleton_on,
	expire_in_seconds, keep_until, policy, dead_letter
) VALUES (
	$1, $2, $3, $4, 'created',
	$5, $6, $7,
	$8, $9, $10,
	$11, $12, $13, $14
)
ON CONFLICT DO NOTHING
`

const qFetchClaim = `
WITH claimed AS (
	SELECT id FROM job
	WHERE name = $1
	  AND state IN ('created', 'retry')
	  AND start_after <= now()
	ORDER BY priority DESC, created_on ASC, id ASC
	LIMIT $2
	FOR UPDATE
)
UPDATE job
SET state = 'active', started_on = now()
WHERE id IN (SELECT id FROM claimed)
RETURNING id, name, priority, data, state, retry_limit, retry_count,
          retry_delay, retry_backoff, start_after, started_on,
          singleton_key, singleton_on, expire_in_seconds, created_on,
          completed_on, keep_until, output, dead_letter, policy
`

const qCompleteJobs = `
UPDATE job
SET state = 'completed', completed_on = now(), output = $2
WHERE id = ANY($1) AND state NOT IN ('completed', 'cancelled', 'failed')
`

const qFailJobs = `
UPDATE job
SET state = 'failed', completed_on = now(), output = $2
WHERE id = ANY($1) AND state NOT IN ('completed', 'cancelled', 'failed')
`

const qCancelJobs = `
UPDATE job
SET state = 'cancelled', completed_on = now()
WHERE id = ANY($1) AND state NOT IN ('completed', 'cancelled', 'failed')
`

const qResumeJobs = `
UPDATE job
SET state = 'created', started_on = NULL, completed_on = NULL
WHERE id = ANY($1) AND state = 'cancelled'
`

const qRetryJobs = `
UPDATE job
SET retry_count = retry_count + 1,
    state = CASE WHEN retry_count + 1 > retry_limit THEN 'failed' ELSE 'retry' END,
    completed_on = CASE WHEN retry_count + 1 > retry_limit THEN now() ELSE NULL END,
    start_after = CASE WHEN retry_count + 1 > retry_limit THEN start_after ELSE now() + ($2 || ' seconds')::interval END
WHERE id = ANY($1)
RETURNING id, retry_count, retry_limit, dead_letter, name, data
`

const qDeleteJobs = `DELETE FROM job WHERE id = ANY($1)`

const qGetJobByID = `
SELECT id, name, priority, data, state, retry_limit, retry_count,
       retry_delay, retry_backoff, start_after, started_on,
       singleton_key, singleton_on, expire_in_seconds, created_on,
       completed_on, keep_until, output, dead_letter, policy
FROM job WHERE name = $1 AND id = $2
`

const qGetArchivedJobByID = `
SELECT id, name, priority, data, state, retry_limit, retry_count,
       retry_delay, retry_backoff, start_after, started_on,
       singleton_key, singleton_on, expire_in_seconds, created_on,
       completed_on, keep_until, output, dead_letter, policy, archived_on
FROM archive WHERE name = $1 AND id = $2
`

const qCreateQueue = `
INSERT INTO queue (name, policy, retry_limit, retry_delay, retry_backoff, expire_seconds, retention_minutes, dead_letter)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
`

const qUpdateQueue = `
UPDATE queue
SET policy = $2, retry_limit = $3, retry_delay = $4, retry_backoff = $5,
    expire_seconds = $6, retention_minutes = $7, dead_letter = NULLIF($8, ''),
    updated_on = now()
WHERE name = $1
`

const qDeleteQueue = `DELETE FROM queue WHERE name = $1`

const qGetQueue = `
SELECT name, policy, retry_limit, retry_delay, retry_backoff, expire_seconds,
       retention_minutes, dead_letter, created_on, updated_on
FROM queue WHERE name = $1
`

const qGetQueues = `
SELECT name, policy, retry_limit, retry_delay, retry_backoff, expire_seconds,
       retention_minutes, dead_letter, created_on, updated_on
FROM queue ORDER BY name
`

const qGetQueueSize = `
SELECT state, count(*) FROM job WHERE name = $1 GROUP BY state
`

const qPurgeQueue = `
DELETE FROM job WHERE name = $1 AND state IN ('completed', 'cancelled', 'failed')
`

const qClearQueueTable = `TRUNCATE queue, job, archive, schedule, subscription`

const qSubscribe = `
INSERT INTO subscription (event, name) VALUES ($1, $2)
ON CONFLICT DO NOTHING
`

const qUnsubscribe = `DELETE FROM subscription WHERE event = $1 AND name = $2`

const qSubscribers = `SELECT name FROM subscription WHERE event = $1`

const qUpsertSchedule = `
INSERT INTO schedule (name, cron, timezone, data, options)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (name) DO UPDATE
SET cron = EXCLUDED.cron, timezone = EXCLUDED.timezone,
    data = EXCLUDED.data, options = EXCLUDED.options
`

const qDeleteSchedule = `DELETE FROM schedule WHERE name = $1`

const qListSchedules = `SELECT name, cron, timezone, data, options FROM schedule`

const qExpireActive = `
UPDATE job
SET state = 'failed', completed_on = now(), output = $1
WHERE state = 'active'
  AND started_on + (expire_in_seconds || ' seconds')::interval < now()
`

const qArchiveCompleted = `
WITH moved AS (
	DELETE FROM job
	WHERE state IN ('completed', 'cancelled')
	  AND completed_on < now() - ($1 || ' seconds')::interval
	RETURNING *
)
INSERT INTO archive (
	id, name, priority, data, state, retry_limit, retry_count, retry_delay,
	retry_backoff, start_after, started_on, singleton_key, singleton_on,
	expire_in_seconds, created_on, completed_on, keep_until, output,
	dead_letter, policy
)
SELECT id, name, priority, data, state, retry_limit, retry_count, retry_delay,
       retry_backoff, start_after, started_on, singleton_key, singleton_on,
       expire_in_seconds, created_on, completed_on, keep_until, output,
       dead_letter, policy
FROM moved
`

const qArchiveFailed = `
WITH moved AS (
	DELETE FROM job
	WHERE state = 'failed'
	  AND completed_on < now() - ($1 || ' seconds')::interval
	RETURNING *
)
INSERT INTO archive (
	id, name, priority, data, state, retry_limit, retry_count, retry_delay,
	retry_backoff, start_after, started_on, singleton_key, singleton_on,
	expire_in_seconds, created_on, completed_on, keep_until, output,
	dead_letter, policy
)
SELECT id, name, priority, data, state, retry_limit, retry_count, retry_delay,
       retry_backoff, start_after, started_on, singleton_key, singleton_on,
       expire_in_seconds, created_on, completed_on, keep_until, output,
       dead_letter, policy
FROM moved
`

const qDropArchived = `
DELETE FROM archive WHERE archived_on < now() - ($1 || ' seconds')::interval
`

const qSelectOffloadCandidates = `
SELECT id, name, data, output FROM archive
WHERE archived_on >= now() - interval '1 minute'
  AND (octet_length(data::text) > $1 OR octet_length(output::text) > $1)
`

const qUpdateArchiveBlobRef = `
UPDATE archive SET data = $2, output = $3 WHERE id = $1
`

const qMonitorByQueueState = `
SELECT name, state, count(*) FROM job GROUP BY name, state
`

const qTryLeaderMaintained = `
UPDATE version
SET maintained_on = now()
WHERE singleton
  AND (maintained_on IS NULL OR maintained_on < now() - ($1 || ' seconds')::interval)
`

const qTryLeaderMonitored = `
UPDATE version
SET monitored_on = now()
WHERE singleton
  AND (monitored_on IS NULL OR monitored_on < now() - ($1 || ' seconds')::interval)
`

const qTryLeaderCron = `
UPDATE version
SET cron_on = now()
WHERE singleton
  AND (cron_on IS NULL OR cron_on < now() - ($1 || ' seconds')::interval)
`

const qServerNow = `SELECT now()`
