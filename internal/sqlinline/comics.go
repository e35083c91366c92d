package sqlinline

// PostgreSQL queries for the comics table. Pages live in a jsonb array so a
// single item field can be patched in place with jsonb_set.

const QComicsEnsureSchema = `--sql 057b7384-37f5-409e-904f-cfd501072cd2
create table if not exists comics (
    id            text primary key,
    prompt        text not null,
    user_id       text,
    visibility    text not null default 'community',
    status        text not null,
    title         text not null default '',
    summary       text not null default '',
    characters    jsonb not null default '{}'::jsonb,
    pages         jsonb not null default '[]'::jsonb,
    error_message text not null default '',
    created_at    timestamptz not null default now(),
    updated_at    timestamptz not null default now()
);
create index if not exists comics_created_at_idx on comics (created_at desc);
create index if not exists comics_status_idx on comics (status);
`

const QComicInsert = `--sql e74b1e31-c755-488b-afe6-115f6f0d47db
insert into comics (id, prompt, user_id, visibility, status, title, summary, characters, pages, error_message, created_at, updated_at)
values ($1, $2, nullif($3, ''), $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11, $11);
`

const QComicSelect = `--sql 3e5f6d63-bde8-41eb-8700-7c2021a90edc
select id, prompt, coalesce(user_id, ''), visibility, status, title, summary, characters, pages, error_message, created_at, updated_at
from comics
where id = $1;
`

const QComicListRecent = `--sql 97a1ac27-08df-4f60-9094-4109ccb9be69
select id, prompt, coalesce(user_id, ''), visibility, status, title, summary, characters, pages, error_message, created_at, updated_at
from comics
where ($1::text = '' or user_id = $1::text)
  and (not $2::boolean or visibility = 'community')
order by created_at desc
limit $3;
`

const QComicListByStatus = `--sql 12e614cd-9709-408a-92db-3a5c3cf28cf8
select id, prompt, coalesce(user_id, ''), visibility, status, title, summary, characters, pages, error_message, created_at, updated_at
from comics
where status = any($1::text[])
order by created_at desc;
`

const QComicPatchItem = `--sql aa71d604-2f42-43b2-8b8e-1e86bb6d3d8f
update comics
set pages = jsonb_set(pages, array[$2::int::text, $3::text], to_jsonb($4::text), true),
    updated_at = now()
where id = $1
  and jsonb_array_length(pages) > $2::int;
`

const QComicSetStatus = `--sql 580958b3-ef27-418b-a72e-5a11f280a86c
update comics
set status = $2,
    error_message = case when $3::text = '' then error_message else $3::text end,
    updated_at = now()
where id = $1
  and status = any($4::text[]);
`

const QComicStatus = `--sql a3d18d52-3994-4204-b8a8-6068ae5f5cbb
select status from comics where id = $1;
`

const QComicSetScript = `--sql aa8b1c8f-9d06-416b-ba9b-e5b022c78897
update comics
set title = $2,
    summary = $3,
    characters = $4::jsonb,
    updated_at = now()
where id = $1;
`

const QComicLockPages = `--sql ea92469c-2db9-4d22-a468-ec47cd8c2823
select jsonb_array_length(pages) from comics where id = $1 for update;
`

const QComicAppendPages = `--sql 8e4b97c1-98cd-40c2-a171-1bae7c06853f
update comics
set pages = pages || $2::jsonb,
    updated_at = now()
where id = $1;
`

const QComicSetError = `--sql 2c8882c6-be8b-4dac-aabc-f3fb85f80c24
update comics
set error_message = $2,
    updated_at = now()
where id = $1;
`
