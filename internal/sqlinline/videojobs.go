package sqlinline

// QAdmitVideoJob performs the whole admission sequence as one atomic
// statement. The cap lives in the active_jobs counter on token_accounts, so
// cap check and debit are one conditional UPDATE of the account row. When two
// submissions race, the second one's UPDATE re-checks its WHERE clause
// against the committed row version, which a count over video_jobs rows
// (frozen at the statement snapshot) would miss. The job row is inserted only
// when the debit happened; the caller decodes the nullable columns to tell
// the outcomes apart.
const QAdmitVideoJob = `--sql 0be80f2b-fe72-4c92-afe8-ad0f919e0383
with input as (
  select
    $1::uuid as job_id,
    $2::uuid as user_id,
    nullif($3::text, '') as prompt,
    $4::text as model,
    $5::text as resolution,
    $6::text as aspect_ratio,
    nullif($7::int, 0) as duration_seconds,
    $8::boolean as generate_audio,
    $9::boolean as mock_mode,
    nullif($10::text, '') as initial_image_key,
    nullif($11::text, '') as end_frame_key,
    $12::jsonb as reference_image_keys,
    $13::int as cost,
    $14::int as cap
),
account as (
  select balance, active_jobs
  from token_accounts
  where user_id = (select user_id from input)
),
debit as (
  update token_accounts
     set balance = balance - (select cost from input),
         active_jobs = active_jobs + 1,
         updated_at = now()
   where user_id = (select user_id from input)
     and balance >= (select cost from input)
     and active_jobs < (select cap from input)
  returning balance
),
job as (
  insert into video_jobs (
    id, user_id, prompt, model, resolution, aspect_ratio, duration_seconds,
    generate_audio, mock_mode, initial_image_key, end_frame_key,
    reference_image_keys, status, status_message, progress_percentage,
    tokens_consumed, logs
  )
  select
    job_id, user_id, prompt, model, resolution, aspect_ratio, duration_seconds,
    generate_audio, mock_mode, initial_image_key, end_frame_key,
    reference_image_keys, 'PENDING', 'Job queued for processing', 0,
    cost,
    jsonb_build_array(jsonb_build_object(
      'timestamp', now(), 'level', 'info', 'message', 'Job created'))
  from input
  where exists (select 1 from debit)
  returning id
)
select
  (select active_jobs from account) as active_jobs,
  (select balance from account) as balance,
  (select id from job) as job_id;
`

// QClaimVideoJob hands the oldest PENDING job to exactly one worker.
// SKIP LOCKED keeps concurrent claimers from blocking on each other.
const QClaimVideoJob = `--sql 9f420fc0-5b83-4ad3-845d-22ae3c611ed5
with next_job as (
    select id
    from video_jobs
    where status = 'PENDING'
    order by created_at asc
    for update skip locked
    limit 1
),
claimed as (
    update video_jobs
    set status = 'RUNNING',
        started_at = coalesce(started_at, now()),
        status_message = 'Initializing video generation',
        logs = coalesce(logs, '[]'::jsonb) || jsonb_build_array(jsonb_build_object(
          'timestamp', now(), 'level', 'info', 'message', 'Picked up by worker')),
        updated_at = now()
    where id in (select id from next_job)
    returning id, user_id, prompt, model, resolution, aspect_ratio,
              duration_seconds, generate_audio, mock_mode, initial_image_key,
              end_frame_key, reference_image_keys, progress_percentage,
              tokens_consumed
)
select * from claimed;
`

// QRecordJobProgress persists a progress milestone and its log entry in one
// write. GREATEST keeps progress monotonic under retried work; gating on
// RUNNING drops late callbacks for jobs that were cancelled or requeued.
const QRecordJobProgress = `--sql 2aafe44e-fd0f-490d-a0d1-16c87c9836ea
update video_jobs
set progress_percentage = greatest(progress_percentage, $2),
    status_message = $3,
    logs = coalesce(logs, '[]'::jsonb) || jsonb_build_array(jsonb_build_object(
      'timestamp', now(), 'level', 'info', 'message', $3)),
    updated_at = now()
where id = $1
  and status = 'RUNNING';
`

// Every transition out of PENDING/RUNNING releases the cap slot reserved at
// admission, in the same statement as the status change.
const QFinalizeJobSuccess = `--sql a7a365bd-ea17-456d-bce9-04d1d6e2db62
with done as (
  update video_jobs
  set status = 'SUCCEEDED',
      progress_percentage = 100,
      artifact_url = $2,
      status_message = 'Video generation completed',
      completed_at = now(),
      logs = coalesce(logs, '[]'::jsonb) || jsonb_build_array(jsonb_build_object(
        'timestamp', now(), 'level', 'info', 'message', 'Job completed')),
      updated_at = now()
  where id = $1
    and status = 'RUNNING'
  returning id, user_id
),
release as (
  update token_accounts
     set active_jobs = greatest(active_jobs - 1, 0),
         updated_at = now()
   where user_id in (select user_id from done)
)
select id from done;
`

// QFinalizeJobFailure freezes progress at its last value and records the
// failure. Returns the owner and charge so the caller can apply the optional
// refund exactly once (only the finalizing writer gets a row back). Gating on
// RUNNING discards late errors for jobs already requeued to PENDING, which
// keeps the retry the sweep granted.
const QFinalizeJobFailure = `--sql f3af4b6d-f03e-48da-8b41-de00bf6ad525
with done as (
  update video_jobs
  set status = 'FAILED',
      error_message = $2,
      status_message = 'Video generation failed',
      completed_at = now(),
      logs = coalesce(logs, '[]'::jsonb) || jsonb_build_array(jsonb_build_object(
        'timestamp', now(), 'level', 'error', 'message', $3)),
      updated_at = now()
  where id = $1
    and status = 'RUNNING'
  returning user_id, tokens_consumed
),
release as (
  update token_accounts
     set active_jobs = greatest(active_jobs - 1, 0),
         updated_at = now()
   where user_id in (select user_id from done)
)
select user_id, tokens_consumed from done;
`

const QCancelVideoJob = `--sql b4b52eb0-8f2f-41b9-ac98-4f739cf0bc5a
with done as (
  update video_jobs
  set status = 'CANCELLED',
      status_message = 'Cancelled',
      completed_at = now(),
      logs = coalesce(logs, '[]'::jsonb) || jsonb_build_array(jsonb_build_object(
        'timestamp', now(), 'level', 'warn', 'message', 'Job cancelled')),
      updated_at = now()
  where id = $1
    and status in ('PENDING', 'RUNNING')
  returning id, user_id
),
release as (
  update token_accounts
     set active_jobs = greatest(active_jobs - 1, 0),
         updated_at = now()
   where user_id in (select user_id from done)
)
select id from done;
`

const QGetVideoJob = `--sql 222e2e55-77d5-4df6-9f78-7960816664a1
select id, user_id, prompt, model, resolution, aspect_ratio, duration_seconds,
       generate_audio, mock_mode, initial_image_key, end_frame_key,
       reference_image_keys, status, status_message, error_message,
       progress_percentage, logs, artifact_url, tokens_consumed,
       created_at, started_at, completed_at, updated_at
from video_jobs
where id = $1;
`

const QListVideoJobs = `--sql 73240243-a55d-4233-b5c2-464682ec9d99
select id, user_id, prompt, model, resolution, aspect_ratio, duration_seconds,
       generate_audio, mock_mode, initial_image_key, end_frame_key,
       reference_image_keys, status, status_message, error_message,
       progress_percentage, logs, artifact_url, tokens_consumed,
       created_at, started_at, completed_at, updated_at,
       count(*) over() as total
from video_jobs
where user_id = $1
  and ($2::text = '' or status = $2)
order by created_at desc
limit $3 offset $4;
`

const QListAllVideoJobs = `--sql 2000531a-9293-4b1a-919d-fe5e560bb1f0
select id, user_id, prompt, model, resolution, aspect_ratio, duration_seconds,
       generate_audio, mock_mode, initial_image_key, end_frame_key,
       reference_image_keys, status, status_message, error_message,
       progress_percentage, logs, artifact_url, tokens_consumed,
       created_at, started_at, completed_at, updated_at,
       count(*) over() as total
from video_jobs
order by created_at desc
limit $1 offset $2;
`

// QDeleteVideoJob removes the record. Deleting a job that never reached a
// terminal state still has to give the cap slot back.
const QDeleteVideoJob = `--sql 59063e90-2daf-438b-b7e6-0a4a1424d4be
with removed as (
  delete from video_jobs
  where id = $1
  returning id, user_id, status
),
release as (
  update token_accounts
     set active_jobs = greatest(active_jobs - 1, 0),
         updated_at = now()
   where user_id in (
     select user_id from removed where status in ('PENDING', 'RUNNING'))
)
select id from removed;
`

// QRequeueStaleJobs returns RUNNING jobs whose owner stopped reporting to the
// queue so another worker can retry them.
const QRequeueStaleJobs = `--sql 3fffe0c2-999a-48f7-bf90-4dcba2dab39e
update video_jobs
set status = 'PENDING',
    status_message = 'Requeued after worker loss',
    logs = coalesce(logs, '[]'::jsonb) || jsonb_build_array(jsonb_build_object(
      'timestamp', now(), 'level', 'warn', 'message', 'Worker lost; requeued for retry')),
    updated_at = now()
where status = 'RUNNING'
  and updated_at < now() - ($1::int * interval '1 second')
returning id;
`
