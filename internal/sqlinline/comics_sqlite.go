package sqlinline

// SQLite dialect of the comics queries. Timestamps are RFC3339 text and pages
// are a JSON array patched with json_set.

const QLiteComicsEnsureSchema = `--sql 649d6e63-7206-4bec-af08-88745c0ffc0d
create table if not exists comics (
    id            text primary key,
    prompt        text not null,
    user_id       text not null default '',
    visibility    text not null default 'community',
    status        text not null,
    title         text not null default '',
    summary       text not null default '',
    characters    text not null default '{}',
    pages         text not null default '[]',
    error_message text not null default '',
    created_at    text not null,
    updated_at    text not null
);
create index if not exists comics_created_at_idx on comics (created_at desc);
create index if not exists comics_status_idx on comics (status);
`

const QLiteComicInsert = `--sql c1980b1b-9d4e-4d51-8cbc-e049c0a333f7
insert into comics (id, prompt, user_id, visibility, status, title, summary, characters, pages, error_message, created_at, updated_at)
values (?1, ?2, ?3, ?4, ?5, ?6, ?7, json(?8), json(?9), ?10, ?11, ?11);
`

const QLiteComicSelect = `--sql 541c059b-fde2-432f-9c64-e5b1a907509c
select id, prompt, user_id, visibility, status, title, summary, characters, pages, error_message, created_at, updated_at
from comics
where id = ?1;
`

const QLiteComicListRecent = `--sql 5af79de7-6f59-4b6a-b268-19d306afa003
select id, prompt, user_id, visibility, status, title, summary, characters, pages, error_message, created_at, updated_at
from comics
where (?1 = '' or user_id = ?1)
  and (?2 = 0 or visibility = 'community')
order by created_at desc, id desc
limit ?3;
`

const QLiteComicListByStatus = `--sql 3447aec0-f641-4f3f-8dcc-542eaca99526
select id, prompt, user_id, visibility, status, title, summary, characters, pages, error_message, created_at, updated_at
from comics
where status in (select value from json_each(?1))
order by created_at desc, id desc;
`

const QLiteComicPatchItem = `--sql cabee1f7-42c6-47ce-9574-7ff20945da18
update comics
set pages = json_set(pages, '$[' || ?2 || '].' || ?3, ?4),
    updated_at = ?5
where id = ?1
  and json_array_length(pages) > ?2;
`

const QLiteComicSetStatus = `--sql f5853c38-5695-44fc-93b2-d3b1b87228bd
update comics
set status = ?2,
    error_message = case when ?3 = '' then error_message else ?3 end,
    updated_at = ?5
where id = ?1
  and status in (select value from json_each(?4));
`

const QLiteComicStatus = `--sql 1a945bf9-8271-4cab-991c-43cda9b790b6
select status from comics where id = ?1;
`

const QLiteComicSetScript = `--sql e916a177-b5d9-4a84-adc9-55f60a45fdb4
update comics
set title = ?2,
    summary = ?3,
    characters = json(?4),
    updated_at = ?5
where id = ?1;
`

const QLiteComicPageCount = `--sql 5f3504b2-5f0a-4941-9ff8-eefca193bb2f
select json_array_length(pages) from comics where id = ?1;
`

const QLiteComicAppendPage = `--sql e5f9acc9-83e9-47f3-8891-167124e4cebc
update comics
set pages = json_insert(pages, '$[#]', json(?2)),
    updated_at = ?3
where id = ?1;
`

const QLiteComicSetError = `--sql e7df9eaa-41ed-457c-8c74-b551382d2762
update comics
set error_message = ?2,
    updated_at = ?3
where id = ?1;
`
