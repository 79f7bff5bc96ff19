package sqlinline

const QCreateJobHistory = `--sql 7d1c2a4e-93b5-4f0e-8a61-2c3e5b9f0d17
create table if not exists job_history (
    id text primary key,
    fingerprint text not null,
    backend text not null,
    priority integer not null default 0,
    status text not null,
    cached boolean not null default false,
    retryable boolean not null default false,
    error_message text not null default '',
    duration_ms bigint not null default 0,
    finished_at timestamptz not null default now()
);
create index if not exists job_history_finished_at_idx on job_history (finished_at desc);
`

const QInsertJobRecord = `--sql 2b8f6c1d-5a7e-4c39-9e04-6f1d8a3b7c52
insert into job_history (id, fingerprint, backend, priority, status, cached, retryable, error_message, duration_ms, finished_at)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
on conflict (id) do nothing;
`

const QGetJobRecord = `--sql 9e4a7b2c-1d6f-4a85-b3c0-5f8e2d7a1b94
select id, fingerprint, backend, priority, status, cached, retryable, error_message, duration_ms, finished_at
from job_history
where id = $1;
`

const QListRecentJobs = `--sql 5c3d9f8e-7b2a-4e16-8d40-a1b6c9e3f725
select id, fingerprint, backend, priority, status, cached, retryable, error_message, duration_ms, finished_at
from job_history
order by finished_at desc
limit $1;
`

const QSummaryByBackend = `--sql e6f1b3a9-4c8d-4d27-9a5e-0b7c2f4d8e31
select backend,
       count(*) as jobs,
       count(*) filter (where status = 'failed') as failed,
       count(*) filter (where cached) as cache_hits,
       coalesce(avg(duration_ms) filter (where not cached), 0)::float8 as avg_ms
from job_history
group by backend
order by backend;
`
